// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command beacons is a terminal client for a beacon server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/beaconspace/pkg/config"
	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/pkg/telemetry"
	"github.com/AleutianAI/beaconspace/pkg/validation"
	"github.com/AleutianAI/beaconspace/services/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// withApp loads the configuration, starts a client, runs fn and shuts
// everything down again.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if userID != "" {
		cfg.Identity.UserID = userID
	}
	if id := cfg.Identity.UserID; id != "" {
		if err := validation.ValidateUserID(id); err != nil {
			return err
		}
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Log.Dir,
		Service: "beacons",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()

	tcfg := telemetry.DefaultConfig("beacons")
	tcfg.Environment = cfg.Environment
	if cfg.Telemetry.TraceExporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" {
		tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := app.New(cfg, app.WithLogger(logger.Slog()))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	stopFlush := a.FlushOnCancel(ctx, 5*time.Second)
	defer stopFlush()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return err
	}
	return fn(ctx, a)
}
