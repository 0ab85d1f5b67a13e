// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"
)

type BeaconspaceConfig struct {
	// ServerURL is the http(s) base URL of the beacon server.
	ServerURL string `yaml:"server_url" validate:"required,url"`

	// Environment selects the transport when Transport is auto.
	Environment string `yaml:"environment" validate:"oneof=development production"`

	// Transport is auto, socket or hybrid.
	Transport string `yaml:"transport" validate:"oneof=auto socket hybrid"`

	// DataDir holds the badger store and the identity seed.
	DataDir string `yaml:"data_dir" validate:"required"`

	Identity  IdentityConfig  `yaml:"identity"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type IdentityConfig struct {
	UserID   string `yaml:"user_id"`  // e.g. 7f3c...; empty means "not signed in"
	Username string `yaml:"username"` // display name
}

type CacheConfig struct {
	HealInterval time.Duration `yaml:"heal_interval" validate:"gte=0"`
	SaveInterval time.Duration `yaml:"save_interval" validate:"gte=0"`
	DiscoveryTTL time.Duration `yaml:"discovery_ttl" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	// TraceExporter is stdout, otlp or none.
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=stdout otlp none"`

	// MetricExporter is stdout, prometheus or none.
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=stdout prometheus none"`

	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// IdentityPath is where the identity seed lives.
func (c BeaconspaceConfig) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.seed")
}

// StorePath is the badger directory.
func (c BeaconspaceConfig) StorePath() string {
	return filepath.Join(c.DataDir, "store")
}

func DefaultConfig() BeaconspaceConfig {
	dataDir := ".beaconspace"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".beaconspace", "data")
	}
	return BeaconspaceConfig{
		ServerURL:   "http://localhost:8090",
		Environment: "development",
		Transport:   "auto",
		DataDir:     dataDir,
		Cache: CacheConfig{
			HealInterval: time.Minute,
			SaveInterval: 30 * time.Second,
			DiscoveryTTL: 5 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}
