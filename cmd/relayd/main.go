// cmd/relayd/main.go
//
// This is the headless coordinator daemon. It owns the poll loop: granting
// activations, running verification on handoff-ready workers, and failing
// stale ones. Run it once per project; worker processes and the status board
// talk to the same .relay/state document.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kingrea/relay/internal/config"
	"github.com/kingrea/relay/internal/coordinator"
	"github.com/kingrea/relay/internal/events"
	"github.com/kingrea/relay/internal/logging"
	"github.com/kingrea/relay/internal/store"
	"github.com/kingrea/relay/internal/verify"
)

func main() {
	dir := flag.String("dir", "", "project directory (defaults to the working directory)")
	flag.Parse()

	projectDir := *dir
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
			os.Exit(1)
		}
		projectDir = cwd
	}

	if err := run(projectDir); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(projectDir string) error {
	if err := config.InitRelayDir(projectDir); err != nil {
		return fmt.Errorf("initialize %s directory: %w", config.RelayDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return err
	}

	logger, err := logging.New(projectDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	st, err := store.New(store.NewRepository(cfg.StatePath()))
	if err != nil {
		return err
	}
	if err := st.Init(store.Session{
		ID:    fmt.Sprintf("relay-%d", os.Getpid()),
		Mode:  cfg.Project.Session.Mode,
		Phase: cfg.Project.Session.Phase,
	}); err != nil {
		return err
	}

	registry, err := verify.BuildRegistry(cfg)
	if err != nil {
		return err
	}
	runner, err := verify.NewRunner(registry, verify.RunnerWithLogger(logger))
	if err != nil {
		return err
	}
	engine, err := verify.NewEngine(registry, runner, cfg.RemediationHints())
	if err != nil {
		return err
	}

	router := events.NewRouter(events.RouterWithLogger(logger))
	coord, err := coordinator.New(cfg, st, engine,
		coordinator.WithLogger(logger),
		coordinator.WithRouter(router),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("relayd: coordinating %s (poll %s, stale after %s)", projectDir, cfg.PollInterval(), cfg.StaleAfter())
	return coord.Run(ctx)
}
