package app

import (
	"errors"
	"fmt"
	"net/url"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ProgramPath string // .hcl file or directory

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// TraceDB is the SQLite file completion events are recorded to; empty
	// disables the trace.
	TraceDB string
	// RunID tags trace rows. Generated when empty.
	RunID string
	// ObserverURL is a socket.io server completion events are published to.
	ObserverURL string
	// OutputPath receives the fetched tensors as JSON. When empty they are
	// logged instead.
	OutputPath string
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	var errs []error
	if cfg.ProgramPath == "" {
		errs = append(errs, errors.New("ProgramPath is a required configuration field and cannot be empty"))
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format '%s': must be 'text' or 'json'", cfg.LogFormat))
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level '%s'", cfg.LogLevel))
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		errs = append(errs, fmt.Errorf("healthcheck port %d out of range", cfg.HealthcheckPort))
	}
	if cfg.ObserverURL != "" {
		if u, err := url.Parse(cfg.ObserverURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid observer URL '%s'", cfg.ObserverURL))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}
