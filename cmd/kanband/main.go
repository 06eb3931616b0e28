package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentkanban/kanband/internal/board"
	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/janitor"
	"github.com/agentkanban/kanband/internal/natsbus"
	"github.com/agentkanban/kanband/internal/notify"
	"github.com/agentkanban/kanband/internal/registry"
	"github.com/agentkanban/kanband/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("kanband %s\n", version)
	case "server":
		if err := runServer(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: kanband <command>\n\nCommands:\n  server     Start the kanban board server\n  version    Print version\n")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting kanband", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	// Board events flow registries -> coordinator -> NATS -> observers.
	publisher, err := natsbus.NewPublisher(bus)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer publisher.Close()

	coord := board.NewCoordinator(publisher)
	agents := registry.NewAgents(cfg.Liveness, coord)
	tasks := registry.NewTasks(coord)
	coord.Bind(agents, tasks)

	// Janitor
	if cfg.Janitor.Enabled {
		jan, err := janitor.New(agents, cfg.Janitor)
		if err != nil {
			return fmt.Errorf("init janitor: %w", err)
		}
		go jan.Start(ctx)
	}

	// Telegram notifier
	notifier, err := notify.New(cfg.Telegram)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	if notifier != nil {
		client, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("init notifier nats client: %w", err)
		}
		defer client.Close()
		if err := notifier.Start(ctx, client); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		defer notifier.Stop()
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	// Web server
	if cfg.Web.Enabled {
		srv := web.NewServer(agents, tasks, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
