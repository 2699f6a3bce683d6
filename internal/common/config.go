package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Broker      BrokerConfig    `toml:"broker"`
	Scraper     ScraperConfig   `toml:"scraper"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// BrokerConfig configures the optional external pub/sub broker. An empty
// address is a supported state: the event bus runs local-only and live
// cross-instance updates are simply unavailable.
type BrokerConfig struct {
	Addr           string        `toml:"addr"`            // Redis address, e.g. "localhost:6379" (empty = disabled)
	Password       string        `toml:"password"`        // Optional auth
	DB             int           `toml:"db"`              // Redis database number
	Channel        string        `toml:"channel"`         // Pub/sub channel name
	PublishTimeout time.Duration `toml:"publish_timeout"` // Upper bound on a single publish attempt
	ConnectRetries int           `toml:"connect_retries"` // Fast reconnect attempts before degrading
	ReconnectEvery time.Duration `toml:"reconnect_every"` // Probe interval while degraded
}

// ScraperConfig configures worker process supervision
type ScraperConfig struct {
	WorkerBinary  string        `toml:"worker_binary"`  // Executable spawned per worker
	WorkerKind    string        `toml:"worker_kind"`    // Process kind label used by kill-by-kind recovery
	GracePeriod   time.Duration `toml:"grace_period"`   // Wait for graceful worker exit before force-kill
	ReapOrphans   bool          `toml:"reap_orphans"`   // Kill PIDs persisted by a previous run on startup
	MaxConcurrent int           `toml:"max_concurrent"` // Upper bound on simultaneously running jobs (0 = unlimited)
}

// SchedulerConfig configures the due-job sweeper
type SchedulerConfig struct {
	SweepInterval string `toml:"sweep_interval"` // cron @every duration for scheduled-time jobs
}

// WebSocketConfig configures the event push channel
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // Heartbeat frame interval
	ProgressThrottle  time.Duration `toml:"progress_throttle"`  // Min interval between scraper:progress frames (0 = no throttle)
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in leadgrid.toml; technical
// parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Broker: BrokerConfig{
			Addr:           "", // disabled unless configured
			Channel:        "leadgrid:events",
			PublishTimeout: 2 * time.Second,
			ConnectRetries: 3,
			ReconnectEvery: 30 * time.Second,
		},
		Scraper: ScraperConfig{
			WorkerBinary:  "leadgrid-worker",
			WorkerKind:    "headless-chrome",
			GracePeriod:   5 * time.Second,
			ReapOrphans:   true,
			MaxConcurrent: 0,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: "15s",
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: 30 * time.Second,
			ProgressThrottle:  500 * time.Millisecond,
		},
	}
}

// LoadFromFiles loads configuration with precedence:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones. Missing files are an error; an empty
// path list returns defaults plus env overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies LEADGRID_* environment variables over file values
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LEADGRID_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("LEADGRID_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("LEADGRID_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LEADGRID_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("LEADGRID_BROKER_ADDR"); v != "" {
		config.Broker.Addr = v
	}
	if v := os.Getenv("LEADGRID_BROKER_PASSWORD"); v != "" {
		config.Broker.Password = v
	}
	if v := os.Getenv("LEADGRID_WORKER_BINARY"); v != "" {
		config.Scraper.WorkerBinary = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	switch strings.ToLower(config.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	if config.Broker.PublishTimeout <= 0 {
		config.Broker.PublishTimeout = 2 * time.Second
	}
	if config.Scraper.GracePeriod <= 0 {
		config.Scraper.GracePeriod = 5 * time.Second
	}
	return nil
}
