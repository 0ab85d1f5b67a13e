// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command beaconrelay runs the in-memory beacon relay.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/pkg/telemetry"
	"github.com/AleutianAI/beaconspace/services/relay"
)

var (
	listenAddr     string
	disableEvents  bool
	queueLimit     int
	keepAlive      time.Duration
	logLevel       string
	logDir         string
	traceExporter  string
	otlpEndpoint   string
	metricExporter string

	rootCmd = &cobra.Command{
		Use:          "beaconrelay",
		Short:        "Serve the beacon wire protocol from memory",
		Long:         `beaconrelay serves /ws, /api/messages, /api/events and /api/poll for development and integration tests. Nothing is kept on disk.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runRelay,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&listenAddr, "addr", envOr("BEACONRELAY_ADDR", ":8090"), "listen address")
	f.BoolVar(&disableEvents, "disable-events", false, "answer /api/events with 404 so clients poll")
	f.IntVar(&queueLimit, "queue-limit", relay.DefaultQueueLimit, "queued pushes kept per user")
	f.DurationVar(&keepAlive, "keep-alive", relay.DefaultKeepAlive, "event stream keep-alive period")
	f.StringVar(&logLevel, "log-level", envOr("BEACONRELAY_LOG_LEVEL", "info"), "debug, info, warn or error")
	f.StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")
	f.StringVar(&traceExporter, "trace-exporter", envOr("OTEL_TRACES_EXPORTER", "none"), "otlp, stdout or none")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"), "OTLP gRPC endpoint")
	f.StringVar(&metricExporter, "metric-exporter", "none", "prometheus, stdout or none")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("beaconrelay: %v", err)
	}
}

func runRelay(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: relay.ServiceName,
		JSON:    true,
	})
	defer logger.Close()
	lg := logger.Slog()

	tcfg := telemetry.DefaultConfig(relay.ServiceName)
	tcfg.TraceExporter = traceExporter
	tcfg.MetricExporter = metricExporter
	tcfg.OTLPEndpoint = otlpEndpoint
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	if logging.ParseLevel(logLevel) == logging.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := relay.New(relay.Config{
		DisableEvents: disableEvents,
		QueueLimit:    queueLimit,
		KeepAlive:     keepAlive,
		Logger:        lg,
	})
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("beacon relay listening", "addr", listenAddr, "events", !disableEvents)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Event streams never finish on their own; Shutdown's deadline cuts them.
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
