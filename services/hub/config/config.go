// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the hub storage service.
//
// Configuration is YAML, validated with go-playground/validator tags plus a
// semantic pass. Every field has a working default: an empty file (or no
// file at all) yields a runnable local configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize bounds the config file read (1MB).
const MaxConfigFileSize = 1024 * 1024

// Duration is a time.Duration that unmarshals from YAML strings like "60s"
// or "5m" (and from bare integers, read as nanoseconds).
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration for the hub storage service.
type Config struct {
	Fast       FastConfig       `yaml:"fast"`
	GraphStore GraphStoreConfig `yaml:"graph_store"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Server     ServerConfig     `yaml:"server"`
}

// FastConfig tunes the embedded BadgerDB fast store.
type FastConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory disables disk persistence. For tests and dev loops only:
	// it removes the durability floor.
	InMemory bool `yaml:"in_memory"`

	SyncWrites bool     `yaml:"sync_writes"`
	GCInterval Duration `yaml:"gc_interval" validate:"gte=0"`
}

// GraphStoreConfig locates and tunes the Weaviate durable store.
type GraphStoreConfig struct {
	URL string `yaml:"url" validate:"required,url"`

	StartupTimeout      Duration `yaml:"startup_timeout" validate:"gt=0"`
	HealthCheckInterval Duration `yaml:"health_check_interval" validate:"gt=0"`
	MaxRetries          int      `yaml:"max_retries" validate:"gte=0,lte=10"`

	// AllowStartDegraded lets the process come up while the graph store is
	// down; reads degrade and the sync engine catches up later.
	AllowStartDegraded bool `yaml:"allow_start_degraded"`
}

// SyncConfig tunes the background sync engine.
type SyncConfig struct {
	QueueSize int      `yaml:"queue_size" validate:"gt=0,lte=1000000"`
	BatchSize int      `yaml:"batch_size" validate:"gt=0,lte=10000"`
	Interval  Duration `yaml:"interval" validate:"gt=0"`
}

// CacheConfig tunes the in-memory caches.
type CacheConfig struct {
	// RouteCapacity bounds the route cache; overflow evicts the oldest
	// third and rebuilds the graph model.
	RouteCapacity int `yaml:"route_capacity" validate:"gt=0,lte=100000"`
}

// ServerConfig tunes the HTTP surface (metrics and health).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Default returns the runnable local configuration.
func Default() Config {
	return Config{
		Fast: FastConfig{
			Path:       "./data/hubstore",
			SyncWrites: true,
			GCInterval: Duration(5 * time.Minute),
		},
		GraphStore: GraphStoreConfig{
			URL:                 "http://localhost:8080",
			StartupTimeout:      Duration(30 * time.Second),
			HealthCheckInterval: Duration(10 * time.Second),
			MaxRetries:          3,
			AllowStartDegraded:  true,
		},
		Sync: SyncConfig{
			QueueSize: 10000,
			BatchSize: 100,
			Interval:  Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			RouteCapacity: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":9090",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the
// result. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > MaxConfigFileSize {
			return Config{}, fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks tag constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Fast.InMemory && c.Fast.Path == "" {
		return fmt.Errorf("fast.path is required unless fast.in_memory is set")
	}
	if c.Sync.BatchSize > c.Sync.QueueSize {
		return fmt.Errorf("sync.batch_size (%d) must not exceed sync.queue_size (%d)",
			c.Sync.BatchSize, c.Sync.QueueSize)
	}
	return nil
}
