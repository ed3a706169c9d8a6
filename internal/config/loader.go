package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "synapse.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset
// flags that should not override the config.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DataDir    *string
	ScanPath   *string
}

// ParseFlags parses command-line arguments into CLIFlags. Passing nil
// args parses an empty set; callers normally pass os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("synapse", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dataDir := fs.String("data-dir", "", "directory for persisted state")
	scanPath := fs.String("scan-path", "", "directory scanned for model files")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "data-dir":
			flags.DataDir = dataDir
		case "scan-path":
			flags.ScanPath = scanPath
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags.
func LoadWithCLI(flags CLIFlags) (*Config, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DataDir != nil {
		cfg.Data.Dir = *flags.DataDir
	}
	if flags.ScanPath != nil {
		cfg.Models.ScanPath = *flags.ScanPath
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty env
// values override. The bare-named variables are the documented operator
// surface; SYNAPSE_* variants cover the rest.
func loadEnv(cfg *Config) {
	setString(&cfg.Models.ScanPath, "SCAN_PATH")
	setString(&cfg.Models.BinaryPath, "INFERENCE_BINARY_PATH")
	setString(&cfg.Models.BindHost, "BIND_HOST")
	setInt(&cfg.Models.PortRangeStart, "PORT_RANGE_START")
	setInt(&cfg.Models.PortRangeEnd, "PORT_RANGE_END")
	setInt(&cfg.Models.MaxStartupSeconds, "MAX_STARTUP_SECONDS")
	setBoolPtr(&cfg.Models.ConcurrentStarts, "CONCURRENT_STARTS")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.Server.Port, "SYNAPSE_PORT")
	setString(&cfg.Server.CORSOrigin, "SYNAPSE_CORS_ORIGIN")
	setString(&cfg.Logging.Service, "SYNAPSE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SYNAPSE_LOG_ASYNC")
	setString(&cfg.Data.Dir, "SYNAPSE_DATA_DIR")
	setString(&cfg.CGRAG.URL, "SYNAPSE_CGRAG_URL")
	setDuration(&cfg.CGRAG.Timeout, "SYNAPSE_CGRAG_TIMEOUT")
	setBool(&cfg.OTEL.Enabled, "SYNAPSE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "SYNAPSE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "SYNAPSE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "SYNAPSE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "SYNAPSE_OTEL_SAMPLE_RATE")
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must not be empty")
	}
	if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not numeric", cfg.Server.Port)
	}
	if cfg.Data.Dir == "" {
		return errors.New("data.dir must not be empty")
	}
	if cfg.Models.PortRangeStart != 0 && cfg.Models.PortRangeEnd != 0 &&
		cfg.Models.PortRangeEnd < cfg.Models.PortRangeStart {
		return errors.New("models.port_range_end must be >= models.port_range_start")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be in [0.0, 1.0]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setBoolPtr(dst **bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
