// Package config provides hierarchical configuration loading for
// synapse-engine. Precedence: defaults < YAML file < environment
// variables < CLI flags.
package config

import "time"

// Config holds bootstrap configuration for the synapse-engine process.
// Operational tunables that users edit at runtime live in the persisted
// settings document instead (internal/domain/settings); the Models
// section here seeds that document on every boot, overriding the
// persisted values it sets, and supplies the env-variable overrides.
type Config struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Data    Data    `yaml:"data"`
	Models  Models  `yaml:"models"`
	CGRAG   CGRAG   `yaml:"cgrag"`
	OTEL    OTEL    `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Data holds on-disk state locations.
type Data struct {
	Dir string `yaml:"dir"` // holds model_registry.json, runtime_settings.json, profiles/
}

// Models holds the bootstrap values for model discovery and the
// inference subprocess fleet.
type Models struct {
	ScanPath          string `yaml:"scan_path"`
	BinaryPath        string `yaml:"binary_path"`
	BindHost          string `yaml:"bind_host"`
	PortRangeStart    int    `yaml:"port_range_start"`
	PortRangeEnd      int    `yaml:"port_range_end"`
	MaxStartupSeconds int    `yaml:"max_startup_seconds"`
	ConcurrentStarts  *bool  `yaml:"concurrent_starts"`
}

// CGRAG holds the external retrieval engine endpoint.
type CGRAG struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8060",
			CORSOrigin: "http://localhost:3000",
		},
		Logging: Logging{
			Level:   "info",
			Service: "synapse-engine",
			Async:   true,
		},
		Data: Data{
			Dir: "data",
		},
		Models: Models{
			ScanPath:          "",
			BinaryPath:        "",
			BindHost:          "",
			PortRangeStart:    0,
			PortRangeEnd:      0,
			MaxStartupSeconds: 0,
		},
		CGRAG: CGRAG{
			URL:     "http://localhost:8070",
			Timeout: 30 * time.Second,
		},
		OTEL: OTEL{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "synapse-engine",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}
