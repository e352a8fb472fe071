// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cloudsync/lib/cloud"
	"github.com/bureau-foundation/cloudsync/lib/config"
	"github.com/bureau-foundation/cloudsync/lib/opstore"
	"github.com/bureau-foundation/cloudsync/lib/receiver"
	"github.com/bureau-foundation/cloudsync/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("cloudsync-receiver", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the receiver config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Fprint(os.Stdout, "cloudsync-receiver")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.Logging.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runReceiver(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runReceiver runs the receive actor until ctx is cancelled.
func runReceiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := opstore.Open(opstore.Config{
		Path:   cfg.Paths.Database,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening operation store: %w", err)
	}
	defer store.Close()

	services := cloud.New(cfg, logger)
	defer func() {
		if err := services.Close(); err != nil {
			logger.Error("closing cloud services", "error", err)
		}
	}()

	status := receiver.NewStatus()
	updates, unsubscribe := status.Subscribe()
	defer unsubscribe()
	go logStatus(updates, logger)

	actor, err := receiver.New(ctx, receiver.Config{
		DataDirectory: cfg.Paths.Data,
		Group:         cfg.Sync.Group,
		Cloud:         services,
		Sync: receiver.Sync{
			Device: cfg.Sync.Device,
			Writer: store,
		},
		Ingest: receiver.IngestFunc(func() {
			logger.Info("received operations ready for ingest")
		}),
		Status:       status,
		PollInterval: cfg.Sync.PollInterval.Std(),
		Backoff:      cfg.Sync.Backoff.Std(),
		Concurrency:  cfg.Sync.Concurrency,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("cloudsync receiver running",
		"version", version.Info(),
		"relay", cfg.Relay.Address,
		"device", cfg.Sync.Device,
		"data", cfg.Paths.Data,
	)
	actor.Run(ctx)
	logger.Info("shutting down")
	return nil
}

func logStatus(updates <-chan receiver.Update, logger *slog.Logger) {
	for update := range updates {
		if update.Err != nil {
			logger.Warn("receiver state changed", "state", update.State, "error", update.Err)
			continue
		}
		logger.Debug("receiver state changed", "state", update.State)
	}
}
