package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
)

type statusCmd struct {
	r *demoRunner
}

func (c *statusCmd) Execute(_ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.r.Driver().Ping(ctx); err != nil {
		color.New(color.FgRed, color.Bold).Println("driver: UNREACHABLE")
		fmt.Printf("  %v\n", err)
	} else {
		color.New(color.FgGreen, color.Bold).Println("driver: OK")
	}

	stats := c.r.Stats()
	fmt.Printf("processed:           %d\n", stats.Processed)
	color.New(color.FgGreen).Printf("completed:           %d\n", stats.Completed)
	color.New(color.FgYellow).Printf("failed_temporarily:  %d\n", stats.FailedTemporarily)
	color.New(color.FgRed).Printf("failed_permanently:  %d\n", stats.FailedPermanently)
	color.New(color.FgMagenta).Printf("aborted:             %d\n", stats.Aborted)
	color.New(color.FgYellow, color.Bold).Printf("stuck:               %d\n", stats.Stuck)
	return nil
}
