// Command init-test-db waits for the database server and creates the test
// database when it is missing. It takes no arguments; connection settings
// come from the environment.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"crm_devenv/internal/config"
	"crm_devenv/internal/logging"
	"crm_devenv/internal/provision"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "usage: init-test-db (no arguments)")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return 1
	}
	logger := logging.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	res, err := provision.BootstrapFromConfig(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("test database setup failed", "database", cfg.TestDatabase, "error", err)
		return 1
	}
	if res.Created {
		logger.Info("test database created", "database", res.Name)
	} else {
		logger.Info("test database already present", "database", res.Name)
	}
	return 0
}
