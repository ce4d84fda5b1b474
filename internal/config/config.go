package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"companionchat/internal/models"
)

const (
	DefaultFreeMessageLimit = 3
	DefaultGuestSessionCap  = 15
	DefaultContextWindow    = 10
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Entitlement EntitlementConfig         `json:"entitlement"`
	Characters  []models.Character        `json:"characters"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	LogLevel          string `json:"log_level"`
	Provider          string `json:"provider"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EntitlementConfig holds quota and context limits.
type EntitlementConfig struct {
	FreeMessageLimit int    `json:"free_message_limit"`
	GuestSessionCap  int    `json:"guest_session_cap"`
	ContextWindow    int    `json:"context_window"`
	DefaultModel     string `json:"default_model"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv("COMPANION_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if sqliteCfg, ok := cfg.Databases["sqlite3"]; ok && sqliteCfg.DSN != "" && sqliteCfg.DSN != ":memory:" {
		if !filepath.IsAbs(sqliteCfg.DSN) {
			sqliteCfg.DSN = filepath.Join(filepath.Dir(absPath), sqliteCfg.DSN)
			cfg.Databases["sqlite3"] = sqliteCfg
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the built-in limits.
func (c *Config) ApplyDefaults() {
	if c.Entitlement.FreeMessageLimit <= 0 {
		c.Entitlement.FreeMessageLimit = DefaultFreeMessageLimit
	}
	if c.Entitlement.GuestSessionCap <= 0 {
		c.Entitlement.GuestSessionCap = DefaultGuestSessionCap
	}
	if c.Entitlement.ContextWindow <= 0 {
		c.Entitlement.ContextWindow = DefaultContextWindow
	}
	if c.BasicConfig.Provider == "" {
		c.BasicConfig.Provider = "openai"
	}
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 128
	}
}
