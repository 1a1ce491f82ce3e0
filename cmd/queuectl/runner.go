package main

import (
	"context"
	"encoding/json"

	"durableq/internal/config"
	"durableq/internal/driver"
	"durableq/internal/entry"
	"durableq/internal/logging"
	"durableq/internal/runner"
)

type demoRunner = runner.Runner[json.RawMessage, json.RawMessage, json.RawMessage, json.RawMessage]

// newDemoRunner builds a pass-through runner over drv: its processor
// simply echoes the request back as the completed result, so queuectl
// can exercise add/run/maintain/status/get against any configured
// backend without a caller-supplied business processor.
func newDemoRunner(cfg config.Config, drv driver.Driver, logger logging.Logger) *demoRunner {
	return runner.NewJSONRunner(runner.Config[json.RawMessage, json.RawMessage, json.RawMessage, json.RawMessage]{
		Name:            "queuectl",
		Drv:             drv,
		Logger:          logger,
		Workers:         runner.WorkerConfig{Count: cfg.WorkerCount, ID: 0},
		MaxRetries:      cfg.MaxRetries,
		ProcessTimeout:  cfg.ProcessTimeout,
		BatchSize:       cfg.BatchSize,
		RetryDelay:      cfg.RetryDelay,
		StuckMultiplier: cfg.StuckMultiplier,
		Processor: func(ctx context.Context, id string, req json.RawMessage) (runner.Verdict[json.RawMessage], error) {
			return runner.Verdict[json.RawMessage]{
				Status:    entry.StatusCompleted,
				Output:    req,
				HasOutput: true,
			}, nil
		},
	})
}
