package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Browser     BrowserConfig    `toml:"browser"`
	Extraction  ExtractionConfig `toml:"extraction"`
	Backend     BackendConfig    `toml:"backend"`
	Remote      RemoteConfig     `toml:"remote"`
	Events      EventsConfig     `toml:"events"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Type   string       `toml:"type" validate:"oneof=badger redis memory"`
	Badger BadgerConfig `toml:"badger"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// RedisConfig represents the Redis state/alarm store configuration
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db" validate:"min=0"`
	KeyPrefix string `toml:"key_prefix"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05"
}

// BrowserConfig controls the managed headless Chrome instance
type BrowserConfig struct {
	Headless    bool   `toml:"headless"`
	NoSandbox   bool   `toml:"no_sandbox"`
	UserAgent   string `toml:"user_agent"`
	UserDataDir string `toml:"user_data_dir"` // Persistent profile so marketplace logins survive restarts
	AgentScript string `toml:"agent_script"`  // Path to the page agent script injected before navigation
	AgentGlobal string `toml:"agent_global" validate:"required"`
	ItemPath    string `toml:"item_path" validate:"required,contains=%s"`
}

// ExtractionConfig contains the per-job timings and agent settings
type ExtractionConfig struct {
	MaxResults      int               `toml:"max_results" validate:"min=1"`
	ClickDelay      string            `toml:"click_delay"`
	JobDelay        string            `toml:"job_delay"`
	LoadTimeout     string            `toml:"load_timeout"`
	SettleDelay     string            `toml:"settle_delay"`
	PingAttempts    int               `toml:"ping_attempts" validate:"min=1"`
	PingInterval    string            `toml:"ping_interval"`
	ExtractTimeout  string            `toml:"extract_timeout"`
	SnapshotTimeout string            `toml:"snapshot_timeout"`
	Selectors       map[string]string `toml:"selectors"`
}

// BackendConfig configures the result-submission and remote-queue APIs
type BackendConfig struct {
	BaseURL    string `toml:"base_url" validate:"omitempty,url"`
	APIKey     string `toml:"api_key"` // Reporting and remote polling are disabled when empty
	Timeout    string `toml:"timeout"`
	SubmitPath string `toml:"submit_path"`
	NextPath   string `toml:"next_path"`
	ReportPath string `toml:"report_path"`
}

type RemoteConfig struct {
	Enabled      bool   `toml:"enabled"`       // Enable remote polling on first start; persisted state wins afterwards
	PollInterval string `toml:"poll_interval"` // e.g. "15s"
}

// EventsConfig configures optional forwarding of state changes to NATS
type EventsConfig struct {
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// WebSocketConfig contains configuration for the state stream
type WebSocketConfig struct {
	Throttle string `toml:"throttle"` // Minimum interval between state frames per client
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8095,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data/qaharvest.badger",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "qaharvest:",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			Headless:    true,
			AgentGlobal: "__qaAgent",
			ItemPath:    "/item/%s",
		},
		Extraction: ExtractionConfig{
			MaxResults:      100,
			ClickDelay:      "1500ms",
			JobDelay:        "5s",
			LoadTimeout:     "30s",
			SettleDelay:     "2s",
			PingAttempts:    5,
			PingInterval:    "1s",
			ExtractTimeout:  "10m",
			SnapshotTimeout: "10s",
		},
		Backend: BackendConfig{
			Timeout:    "30s",
			SubmitPath: "/api/extractions",
			NextPath:   "/api/remote-queue/next",
			ReportPath: "/api/remote-queue/report",
		},
		Remote: RemoteConfig{
			PollInterval: "15s",
		},
		Events: EventsConfig{
			NATSSubject: "qaharvest.state",
		},
		WebSocket: WebSocketConfig{
			Throttle: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QAHARVEST_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("QAHARVEST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("QAHARVEST_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage
	if storageType := os.Getenv("QAHARVEST_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if badgerPath := os.Getenv("QAHARVEST_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if addr := os.Getenv("QAHARVEST_REDIS_ADDR"); addr != "" {
		config.Storage.Redis.Addr = addr
	}
	if password := os.Getenv("QAHARVEST_REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}

	// Logging
	if level := os.Getenv("QAHARVEST_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("QAHARVEST_LOG_OUTPUT"); output != "" {
		var outputs []string
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser
	if headless := os.Getenv("QAHARVEST_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if dir := os.Getenv("QAHARVEST_BROWSER_USER_DATA_DIR"); dir != "" {
		config.Browser.UserDataDir = dir
	}
	if script := os.Getenv("QAHARVEST_BROWSER_AGENT_SCRIPT"); script != "" {
		config.Browser.AgentScript = script
	}

	// Backend
	if baseURL := os.Getenv("QAHARVEST_BACKEND_BASE_URL"); baseURL != "" {
		config.Backend.BaseURL = baseURL
	}
	if apiKey := os.Getenv("QAHARVEST_BACKEND_API_KEY"); apiKey != "" {
		config.Backend.APIKey = apiKey
	}

	// Remote polling
	if enabled := os.Getenv("QAHARVEST_REMOTE_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Remote.Enabled = e
		}
	}

	// Events
	if natsURL := os.Getenv("QAHARVEST_NATS_URL"); natsURL != "" {
		config.Events.NATSURL = natsURL
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct tags and that every duration field parses
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"extraction.click_delay":      c.Extraction.ClickDelay,
		"extraction.job_delay":        c.Extraction.JobDelay,
		"extraction.load_timeout":     c.Extraction.LoadTimeout,
		"extraction.settle_delay":     c.Extraction.SettleDelay,
		"extraction.ping_interval":    c.Extraction.PingInterval,
		"extraction.extract_timeout":  c.Extraction.ExtractTimeout,
		"extraction.snapshot_timeout": c.Extraction.SnapshotTimeout,
		"backend.timeout":             c.Backend.Timeout,
		"remote.poll_interval":        c.Remote.PollInterval,
		"websocket.throttle":          c.WebSocket.Throttle,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
