// cmd/relay/main.go
//
// This is the interactive entry point. It starts the coordinator loop in the
// background and the status board on top of it, both sharing one store and
// event router, so escalations can be resolved with a keystroke.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/relay/internal/config"
	"github.com/kingrea/relay/internal/coordinator"
	"github.com/kingrea/relay/internal/events"
	"github.com/kingrea/relay/internal/logging"
	"github.com/kingrea/relay/internal/store"
	"github.com/kingrea/relay/internal/tui"
	"github.com/kingrea/relay/internal/verify"
)

func main() {
	operator := flag.String("operator", "", "name recorded on override decisions (defaults to the OS user)")
	flag.Parse()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}

	if err := run(cwd, resolveOperator(*operator)); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func resolveOperator(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func run(projectDir, operator string) error {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- coord.Run(ctx)
	}()

	app, err := tui.NewApp(st,
		tui.WithRouter(router),
		tui.WithOverrider(coord, operator),
		tui.WithStaleThreshold(cfg.StaleAfter()),
	)
	if err != nil {
		return err
	}
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, uiErr := p.Run()

	cancel()
	loopErr := <-loopDone
	if uiErr != nil {
		return uiErr
	}
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return nil
}
