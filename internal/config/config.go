package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Wakeup        WakeupConfig        `toml:"wakeup"`
	Gateway       GatewayConfig       `toml:"gateway"`
	History       HistoryConfig       `toml:"history"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
	Registry      RegistryConfig      `toml:"registry"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
}

// WakeupConfig tunes dispatch and scheduling
type WakeupConfig struct {
	DefaultPrompt     string `toml:"default_prompt"`
	HistoryLimit      int    `toml:"history_limit"`
	BatchHistoryLimit int    `toml:"batch_history_limit"`
	MaxConcurrency    int    `toml:"max_concurrency"`
	TickInterval      string `toml:"tick_interval"`
}

// GatewayConfig points at the host process that performs pings
type GatewayConfig struct {
	BaseURL  string `toml:"base_url"`
	Timeout  string `toml:"timeout"`
	Attempts int    `toml:"attempts"`
	AppName  string `toml:"app_name"`
}

// HistoryConfig selects the history backend
type HistoryConfig struct {
	Backend        string `toml:"backend"`
	RedisAddr      string `toml:"redis_addr"`
	RedisDB        int    `toml:"redis_db"`
	RedisKeyPrefix string `toml:"redis_key_prefix"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// RegistryConfig locates the account and model registry file
type RegistryConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// History backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".wakeup-engine")
	return &Config{
		General: GeneralConfig{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "wakeup.db"),
		},
		Wakeup: WakeupConfig{
			DefaultPrompt:     "hi",
			HistoryLimit:      100,
			BatchHistoryLimit: 100,
			TickInterval:      "30s",
		},
		Gateway: GatewayConfig{
			BaseURL:  "http://127.0.0.1:19527",
			Timeout:  "60s",
			Attempts: 2,
			AppName:  "antigravity",
		},
		History: HistoryConfig{
			Backend:        BackendSQLite,
			RedisAddr:      "127.0.0.1:6379",
			RedisKeyPrefix: "wakeup:",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			Path:  filepath.Join(dataDir, "registry.json"),
			Watch: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Registry.Path = ExpandPath(cfg.Registry.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	switch c.History.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("history.backend: unknown backend %q", c.History.Backend)
	}
	if _, err := c.TickInterval(); err != nil {
		return err
	}
	if _, err := c.GatewayTimeout(); err != nil {
		return err
	}
	if c.Wakeup.HistoryLimit <= 0 || c.Wakeup.BatchHistoryLimit <= 0 {
		return fmt.Errorf("wakeup: history limits must be positive")
	}
	if c.Wakeup.MaxConcurrency < 0 {
		return fmt.Errorf("wakeup.max_concurrency must not be negative")
	}
	return nil
}

// TickInterval parses wakeup.tick_interval
func (c *Config) TickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Wakeup.TickInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("wakeup.tick_interval: invalid duration %q", c.Wakeup.TickInterval)
	}
	return d, nil
}

// GatewayTimeout parses gateway.timeout
func (c *Config) GatewayTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("gateway.timeout: invalid duration %q", c.Gateway.Timeout)
	}
	return d, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "wakeup-engine", "config.toml")
}

// LocalConfigName is looked up in the working directory and its parents
const LocalConfigName = ".wakeup-engine.toml"

// FindLocalConfig returns the nearest LocalConfigName walking up from the
// working directory, or "" when there is none
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads explicitPath when set, else the nearest local
// config, else the default config path
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
