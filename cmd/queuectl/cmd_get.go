package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"durableq/internal/entry"
)

type getCmd struct {
	r  *demoRunner
	ID string `long:"id" required:"true" description:"entry id to fetch"`
}

func (c *getCmd) Execute(_ []string) error {
	e, err := c.r.Get(context.Background(), c.ID)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	statusColor(e.Status).Printf("%s: %s\n", e.ID, e.Status)
	fmt.Printf("failures: %d\n", e.Failures)
	if e.LastError != "" {
		color.New(color.FgRed).Printf("last_error: %s\n", e.LastError)
	}
	if e.HasOutput {
		fmt.Printf("output: %s\n", e.Output)
	}
	return nil
}

func statusColor(s entry.Status) *color.Color {
	switch s {
	case entry.StatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case entry.StatusFailedTemporarily:
		return color.New(color.FgYellow, color.Bold)
	case entry.StatusFailedPermanently, entry.StatusAborted:
		return color.New(color.FgRed, color.Bold)
	case entry.StatusStuck:
		return color.New(color.FgMagenta, color.Bold)
	default:
		return color.New(color.Reset)
	}
}
