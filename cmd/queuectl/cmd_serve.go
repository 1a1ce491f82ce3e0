package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"durableq/internal/supervisor"
)

type serveCmd struct {
	r                *demoRunner
	RunInterval      time.Duration `long:"run-interval" default:"1s" description:"pause between lease cycles when no work remains"`
	MaintainInterval time.Duration `long:"maintain-interval" default:"30s" description:"pause between maintenance cycles"`
}

// serveCmd runs the configured runner continuously until signaled, the
// long-running counterpart to the one-shot run/maintain subcommands.
func (c *serveCmd) Execute(_ []string) error {
	sup := supervisor.New(supervisor.Config{
		RunInterval:      c.RunInterval,
		MaintainInterval: c.MaintainInterval,
	}, c.r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sup.Start(ctx)
	<-ctx.Done()
	fmt.Println("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup.Stop(stopCtx)

	stats := sup.Stats()
	fmt.Printf("runs=%d run_errors=%d maintains=%d maintain_errors=%d\n",
		stats.RunsCompleted, stats.RunErrors, stats.MaintainCompleted, stats.MaintainErrors)
	return nil
}
