// Command queuectl is the operator tool for durableq: a thin wrapper
// that loads configuration, builds a driver and runner, and drives a
// single configured runner's add/run/maintain cycle and entry
// inspection from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"durableq/internal/config"
	"durableq/internal/driver"
	"durableq/internal/logging"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	drv, err := buildDriver(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init driver: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = drv.Destroy(context.Background()) }()

	r := newDemoRunner(cfg, drv, logger)

	parser := flags.NewParser(nil, flags.Default)
	mustAddCmd(parser, "add", "Enqueue a raw JSON payload", "Enqueue a raw JSON payload read from --payload or stdin.", &addCmd{r: r})
	mustAddCmd(parser, "run", "Run one lease cycle", "Lease and process up to one batch of pending entries.", &runCmd{r: r})
	mustAddCmd(parser, "maintain", "Run one maintenance cycle", "Requeue expired failures, detect stuck entries, hand off completed work.", &maintainCmd{r: r})
	mustAddCmd(parser, "status", "Show driver and runner health", "Ping the storage driver and print runner stats.", &statusCmd{r: r})
	mustAddCmd(parser, "get", "Fetch one entry by id", "Print an entry's status, failures, and output.", &getCmd{r: r})
	mustAddCmd(parser, "serve", "Run continuously until signaled", "Drive lease and maintenance cycles on an interval until SIGINT/SIGTERM.", &serveCmd{r: r})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustAddCmd(parser *flags.Parser, name, short, long string, data interface{}) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		fmt.Fprintf(os.Stderr, "register command %s: %v\n", name, err)
		os.Exit(1)
	}
}

func buildDriver(cfg config.Config, logger logging.Logger) (driver.Driver, error) {
	return openDriver(cfg, logger)
}
