package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"durableq/internal/entry"
)

type addCmd struct {
	r       *demoRunner
	Payload string `long:"payload" description:"JSON payload to enqueue; reads stdin if omitted"`
	ID      string `long:"id" description:"explicit idempotent id for this entry"`
}

func (c *addCmd) Execute(_ []string) error {
	raw := []byte(c.Payload)
	if len(raw) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read payload from stdin: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return fmt.Errorf("payload is not valid JSON")
	}

	opts := entry.AddOptions{}
	if c.ID != "" {
		opts.ID = c.ID
	}

	id, err := c.r.AddRaw(context.Background(), raw, opts)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	fmt.Println(id)
	return nil
}
