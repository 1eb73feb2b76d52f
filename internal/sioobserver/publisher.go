// Package sioobserver publishes instruction completions to a socket.io
// server, one event per finalized instruction.
package sioobserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/observer"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEvent is the event name used when Config.Event is empty.
const DefaultEvent = "instruction"

// Config describes the socket.io endpoint.
type Config struct {
	URL                string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Publisher is an observer that emits events over a socket.io connection.
type Publisher struct {
	event      string
	emit       func(event string, payload any)
	disconnect func()
	logger     *slog.Logger
}

// Dial connects to the server and returns a publisher once the connection
// is established.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("socket.io observer URL is required")
	}
	logger := ctxlog.FromContext(ctx).With("component", "sioobserver", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("URL '%s' needs a scheme and a host", cfg.URL)
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "/"
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("📡 Observer connected", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})

	logger.Debug("Initiating connection...")
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", timeout)
	}

	return newPublisher(cfg.Event, func(event string, payload any) {
		io.Emit(event, payload)
	}, func() {
		io.Disconnect()
	}, logger), nil
}

func newPublisher(event string, emit func(string, any), disconnect func(), logger *slog.Logger) *Publisher {
	if event == "" {
		event = DefaultEvent
	}
	return &Publisher{event: event, emit: emit, disconnect: disconnect, logger: logger}
}

// Observe implements observer.Observer.
func (p *Publisher) Observe(_ context.Context, ev observer.Event) error {
	p.emit(p.event, Payload(ev))
	return nil
}

// Close implements observer.Observer.
func (p *Publisher) Close() error {
	p.logger.Debug("Disconnecting observer.")
	p.disconnect()
	return nil
}

// Payload is the JSON-friendly body emitted for an event.
func Payload(ev observer.Event) map[string]any {
	out := map[string]any{
		"instruction": ev.Instruction,
		"kind":        ev.Kind,
		"stream":      ev.Stream,
		"seq":         ev.Seq,
		"status":      string(ev.Status),
	}
	if ev.Error != "" {
		out["error"] = ev.Error
	}
	if !ev.Finished.IsZero() {
		out["finished"] = ev.Finished.UTC().Format(time.RFC3339Nano)
	}
	return out
}
