// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/kegstat/pkg/config"
	"github.com/Thermoquad/kegstat/pkg/core"
	"github.com/Thermoquad/kegstat/pkg/kegboard"
	"github.com/Thermoquad/kegstat/pkg/logging"
	"github.com/Thermoquad/kegstat/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flow controller on a Kegboard",
	Long: `Attach a Kegboard and track pours until interrupted.

Meter updates become flows on the taps named in the configuration file.
Presented auth tokens attribute flows to drinkers, and each tap's relay is
switched on while its flow is open. Completed flows are appended to the
drink record file, and Prometheus metrics are served on the configured
address.

The board is re-attached with exponential backoff (1s to 30s) when the
connection drops. On SIGINT or SIGTERM every open flow is ended, relays are
switched off, and the process exits.

A default configuration is written to --config when the file is missing.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if portName == "" && wsURL == "" {
		return errors.New("either --port or --url must be specified")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.InitLogger("kegstat", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	opts := core.Options{
		Logger:  logger,
		Metrics: cfg.Metrics.Listen != "",
	}
	if cfg.Records.Path != "" {
		f, err := os.OpenFile(cfg.Records.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open drink records: %w", err)
		}
		defer f.Close()
		opts.Records = f
	}

	c, err := core.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("config", configPath).
		Int("taps", len(cfg.Taps)).
		Int("tokens", len(cfg.Tokens)).
		Msg("Starting kegstat")

	var wg sync.WaitGroup
	var metricsErr error
	if cfg.Metrics.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if metricsErr = metrics.Serve(ctx, cfg.Metrics.Listen, logger); metricsErr != nil {
				logger.Error().Err(metricsErr).Msg("Metrics server failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		superviseBoard(ctx, c, logger)
	}()

	runErr := c.Run(ctx)
	wg.Wait()

	logger.Info().Msg("Stopped")
	return errors.Join(runErr, metricsErr)
}

// superviseBoard keeps a board attached on the configured connection until
// ctx is done, reconnecting with exponential backoff.
func superviseBoard(ctx context.Context, c *core.Core, logger zerolog.Logger) {
	name := connectionName()
	log := logger.With().Str("port", name).Logger()

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for ctx.Err() == nil {
		ctrl, err := attachBoard(c, name)
		if err != nil {
			log.Warn().Err(err).Dur("retry", backoff).Msg("Board not attached")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = 1 * time.Second
		waitDetached(ctx, c.Boards(), ctrl)
		if ctx.Err() == nil {
			log.Warn().Str("board", ctrl.Name()).Msg("Board detached, reconnecting")
		}
	}
}

func attachBoard(c *core.Core, name string) (*kegboard.Controller, error) {
	conn, _, err := OpenConnection()
	if err != nil {
		return nil, err
	}
	// Attach closes the connection itself when verification fails
	return c.Attach(conn, name)
}

// waitDetached blocks until ctrl is no longer attached or ctx is done.
func waitDetached(ctx context.Context, boards *kegboard.Manager, ctrl *kegboard.Controller) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if boards.Controller(ctrl.Name()) != ctrl {
				return
			}
		}
	}
}
