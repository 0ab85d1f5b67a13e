// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the beaconspace YAML configuration.
//
// The file lives at ~/.beaconspace/beaconspace.yaml and is created with
// defaults on first run. BEACONSPACE_ENV, BEACONSPACE_SERVER_URL and
// BEACONSPACE_TRANSPORT override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/beaconspace/pkg/logging"
)

// Environment variable overrides.
const (
	EnvEnvironment = "BEACONSPACE_ENV"
	EnvServerURL   = "BEACONSPACE_SERVER_URL"
	EnvTransport   = "BEACONSPACE_TRANSPORT"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

var configValidate = validator.New()

// DefaultPath returns ~/.beaconspace/beaconspace.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".beaconspace", "beaconspace.yaml"), nil
}

// Load reads the config at path, creating it with defaults when missing.
// An empty path means DefaultPath. Unset fields keep their defaults,
// environment overrides are applied and the result is validated.
func Load(path string) (BeaconspaceConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return BeaconspaceConfig{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return BeaconspaceConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return BeaconspaceConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BeaconspaceConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	applyEnv(&cfg, os.Getenv)
	cfg.DataDir = logging.ExpandPath(cfg.DataDir)
	if err := Validate(cfg); err != nil {
		return BeaconspaceConfig{}, err
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg BeaconspaceConfig) error {
	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func applyEnv(cfg *BeaconspaceConfig, getenv func(string) string) {
	if v := getenv(EnvEnvironment); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	if v := getenv(EnvServerURL); v != "" {
		cfg.ServerURL = v
	}
	if v := getenv(EnvTransport); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
