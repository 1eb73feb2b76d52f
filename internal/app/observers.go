package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/flowvm/internal/ctxlog"
	"github.com/vk/flowvm/internal/observer"
	"github.com/vk/flowvm/internal/sioobserver"
	"github.com/vk/flowvm/internal/tracestore"
)

// observers builds the completion observers the configuration asks for. The
// trace store is returned separately so the run can summarize it.
func (a *App) observers(ctx context.Context) (observer.Multi, *tracestore.Store, error) {
	logger := ctxlog.FromContext(ctx)
	obs := observer.Multi{observer.Log{}}

	var store *tracestore.Store
	if a.config.TraceDB != "" {
		runID := a.config.RunID
		if runID == "" {
			runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
		}
		s, err := tracestore.Open(a.config.TraceDB, runID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace database: %w", err)
		}
		logger.Debug("Trace store opened.", "path", a.config.TraceDB, "run_id", runID)
		store = s
		obs = append(obs, s)
	}

	if a.config.ObserverURL != "" {
		p, err := sioobserver.Dial(ctx, sioobserver.Config{URL: a.config.ObserverURL})
		if err != nil {
			if cerr := obs.Close(); cerr != nil {
				logger.Warn("Closing observers failed.", "error", cerr)
			}
			return nil, nil, fmt.Errorf("failed to connect observer: %w", err)
		}
		logger.Debug("socket.io observer connected.", "url", a.config.ObserverURL)
		obs = append(obs, p)
	}
	return obs, store, nil
}
