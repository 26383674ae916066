// Package config loads reelflow configuration from built-in defaults, a YAML
// file, a .env file and REELFLOW_ environment variables, in that order of
// increasing priority. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/reelflow/dispatch"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/store"
)

const (
	// EnvPrefix prefixes every environment variable the loader reads.
	EnvPrefix = "REELFLOW_"

	projectConfigName = "reelflow.yaml"
	homeConfigName    = "config.yaml"
	homeDirName       = ".reelflow"
	defaultDBName     = "reelflow.db"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Workers   WorkersConfig   `yaml:"workers" envPrefix:"WORKERS_"`
	Callbacks CallbacksConfig `yaml:"callbacks" envPrefix:"CALLBACKS_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Stalls    StallsConfig    `yaml:"stalls" envPrefix:"STALLS_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	CORSOrigin      string        `yaml:"cors_origin" env:"CORS_ORIGIN"`
	MaxBody         int64         `yaml:"max_body" env:"MAX_BODY"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig selects the pipeline store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"DRIVER"`
	DSN          string `yaml:"dsn" env:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// WorkersConfig holds the external worker endpoints, one per job kind.
type WorkersConfig struct {
	Script      string        `yaml:"script" env:"SCRIPT"`
	Render      string        `yaml:"render" env:"RENDER"`
	Title       string        `yaml:"title" env:"TITLE"`
	Tags        string        `yaml:"tags" env:"TAGS"`
	Description string        `yaml:"description" env:"DESCRIPTION"`
	Upload      string        `yaml:"upload" env:"UPLOAD"`
	Token       string        `yaml:"token" env:"TOKEN"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Endpoints returns the configured endpoints keyed by job kind. Kinds
// without an endpoint are omitted.
func (w WorkersConfig) Endpoints() map[dispatch.Kind]string {
	all := map[dispatch.Kind]string{
		dispatch.KindScript:      w.Script,
		dispatch.KindRender:      w.Render,
		dispatch.KindTitle:       w.Title,
		dispatch.KindTags:        w.Tags,
		dispatch.KindDescription: w.Description,
		dispatch.KindUpload:      w.Upload,
	}
	out := make(map[dispatch.Kind]string, len(all))
	for kind, endpoint := range all {
		if e := strings.TrimSpace(endpoint); e != "" {
			out[kind] = e
		}
	}
	return out
}

// CallbacksConfig configures the callback gateway.
type CallbacksConfig struct {
	// BaseURL is the externally reachable address workers call back on.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Secret is the shared callback secret. Empty disables callback auth.
	Secret string `yaml:"secret" env:"SECRET"`
}

// AuthConfig configures operator and observer tokens.
type AuthConfig struct {
	// JWTSecret signs operator and observer tokens. Empty disables auth.
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// StallsConfig configures the stall report.
type StallsConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Schedule  string        `yaml:"schedule" env:"SCHEDULE"`
	Threshold time.Duration `yaml:"threshold" env:"THRESHOLD"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Headers is a comma-separated k=v list sent with every export.
	Headers string `yaml:"headers" env:"HEADERS"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigin:      "*",
			MaxBody:         1 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // the observer stream is long-lived
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: store.DriverSQLite,
		},
		Workers: WorkersConfig{
			Timeout: 10 * time.Second,
		},
		Callbacks: CallbacksConfig{
			BaseURL: "http://localhost:8080",
		},
		Auth: AuthConfig{
			Issuer:   "reelflow",
			TokenTTL: 24 * time.Hour,
		},
		Stalls: StallsConfig{
			Enabled:   true,
			Schedule:  "*/10 * * * *",
			Threshold: 30 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "reelflow",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// ConfigPath is an explicit YAML file. When set it must exist.
	ConfigPath string
	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. Defaults to ".env"; a missing file
	// is not an error.
	EnvFile string
	// WorkDir and HomeDir drive config discovery; empty uses the process
	// values.
	WorkDir string
	HomeDir string
	// Environment replaces the process environment when non-nil.
	Environment map[string]string
}

// Load builds the configuration. It returns the YAML path that was read,
// or "" when none was found.
func Load(opts LoadOptions) (*Config, string, error) {
	cfg := Default()

	homeDir := opts.HomeDir
	if homeDir == "" {
		if h, err := os.UserHomeDir(); err == nil {
			homeDir = h
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}

	path, found, err := DiscoverPathFrom(opts.ConfigPath, workDir, homeDir)
	if err != nil {
		return nil, "", err
	}
	if found {
		if err := readYAML(path, &cfg); err != nil {
			return nil, "", err
		}
	}

	if opts.Environment == nil {
		envFile := opts.EnvFile
		if envFile == "" {
			envFile = filepath.Join(workDir, ".env")
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.Environment != nil {
		envOpts.Environment = opts.Environment
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return nil, "", fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Database.DSN == "" && store.IsSQLite(cfg.Database.Driver) && homeDir != "" {
		cfg.Database.DSN = filepath.Join(homeDir, homeDirName, defaultDBName)
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if !found {
		path = ""
	}
	return &cfg, path, nil
}

// DiscoverPathFrom resolves the config file with first-match semantics:
// the explicit path, else ./reelflow.yaml, else ~/.reelflow/config.yaml.
func DiscoverPathFrom(explicitPath, workDir, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(workDir, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeDirName, homeConfigName))
		}
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func readYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if !store.SupportedDriver(c.Database.Driver) {
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn: is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Stalls.Threshold < 0 {
		errs = append(errs, fmt.Errorf("stalls.threshold: must not be negative, got %s", c.Stalls.Threshold))
	}
	if c.Stalls.Enabled {
		if _, err := pipeline.ParseSchedule(c.Stalls.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("stalls.schedule: %w", err))
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
