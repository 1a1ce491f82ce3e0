package main

import (
	"context"
	"fmt"
)

type maintainCmd struct {
	r *demoRunner
}

func (c *maintainCmd) Execute(_ []string) error {
	if err := c.r.Maintain(context.Background()); err != nil {
		return fmt.Errorf("maintain: %w", err)
	}
	fmt.Println("maintenance cycle complete")
	return nil
}
