package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/simqueue/internal/audit"
	"github.com/fentz26/simqueue/internal/broadcast"
	"github.com/fentz26/simqueue/internal/config"
	"github.com/fentz26/simqueue/internal/controlplane"
	"github.com/fentz26/simqueue/internal/executor/process"
	"github.com/fentz26/simqueue/internal/logging"
	"github.com/fentz26/simqueue/internal/scheduler"
	"github.com/fentz26/simqueue/internal/store"
)

var (
	listenAddr string
	dbPath     string
	logLevel   string
	instanceID string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the simq daemon",
	Long: `Starts the simq daemon which serves the HTTP API, runs the scheduler
and recovers runs left in flight by a previous process.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	daemonCmd.Flags().StringVar(&instanceID, "instance-id", "", "Stable orchestrator id used for crash recovery")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if instanceID != "" {
		cfg.Scheduler.InstanceID = instanceID
	}

	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("starting simq daemon", "config", configPath, "db", cfg.DBPath)

	// Initialize store
	s, err := store.New(config.ExpandPath(cfg.DBPath))
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "err", err)
		}
	}()

	// Initialize components
	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	pdr := audit.NewPDRWriter(s, logger)
	engine := process.New(cfg.Executor, logger)
	sched := scheduler.New(s, pdr, engine, hub, &cfg.Scheduler, logger)

	// Create service and server
	service := controlplane.NewService(s, pdr, sched, hub)
	server := controlplane.NewServer(service, cfg.Listen, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	logger.Info("scheduler started", "instance_id", sched.InstanceID(), "executor", engine.Name())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	// Mirror progress events into the debug log.
	tap := hub.Subscribe(broadcast.AllNegotiations)
	g.Go(func() error {
		for e := range tap.Events() {
			logger.Debug("progress event", "type", e.Type, "negotiation_id", e.NegotiationID,
				"queue_id", e.QueueID, "run_id", e.RunID, "round", e.Round)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		tap.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
