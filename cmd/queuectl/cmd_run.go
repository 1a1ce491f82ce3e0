package main

import (
	"context"
	"fmt"
	"time"

	"durableq/internal/runner"
)

type runCmd struct {
	r       *demoRunner
	Timeout time.Duration `long:"timeout" default:"30s" description:"maximum time to spend leasing and processing entries"`
}

func (c *runCmd) Execute(_ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	more, err := c.r.Run(ctx, runner.RunOptions{Timeout: c.Timeout, HasTimeout: true})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if more {
		fmt.Println("more work remains")
	} else {
		fmt.Println("caught up")
	}
	return nil
}
