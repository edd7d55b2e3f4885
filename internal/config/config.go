package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "MENTORCHAT_"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Mentor      MentorConfig              `json:"mentor"`
	Log         LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	Env           string `json:"env"`
	// Database selects the entry of Databases to open.
	Database          string  `json:"database"`
	MinWorkers        int     `json:"min_workers"`
	MaxWorkers        int     `json:"max_workers"`
	QueueSize         int     `json:"queue_size"`
	WorkerIdleTimeout int     `json:"worker_idle_timeout"` // seconds
	TokenTTL          int     `json:"token_ttl"`           // hours
	StreamTimeout     int     `json:"stream_timeout"`      // seconds
	SendRate          float64 `json:"send_rate"`           // messages per second per user
	SendBurst         int     `json:"send_burst"`
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
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// MentorConfig selects the upstream model that answers learners.
type MentorConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	MaxHistory   int    `json:"max_history"`
}

type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the config file is loaded first; variables already set
// in the environment win over it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	baseDir := filepath.Dir(absPath)

	if err := godotenv.Load(filepath.Join(baseDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
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

	cfg.applyEnv()
	cfg.applyDefaults()

	db, ok := cfg.Databases[cfg.BasicConfig.Database]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Database)
	}
	if isSQLite(cfg.BasicConfig.Database) {
		if db.DSN == "" {
			return nil, errors.New("sqlite dsn must be configured")
		}
		if db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[cfg.BasicConfig.Database] = db
		}
	}
	if _, ok := cfg.Providers[cfg.Mentor.Provider]; !ok {
		return nil, fmt.Errorf("mentor provider %s not configured", cfg.Mentor.Provider)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv(envPrefix + "ENV"); v != "" {
		c.BasicConfig.Env = v
	}
	if v := os.Getenv(envPrefix + "DB"); v != "" {
		c.BasicConfig.Database = v
	}
	for name, p := range c.Providers {
		if v := os.Getenv(envPrefix + strings.ToUpper(name) + "_API_KEY"); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Env == "" {
		b.Env = "development"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 30
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24
	}
	if b.StreamTimeout <= 0 {
		b.StreamTimeout = 120
	}
	if b.SendRate <= 0 {
		b.SendRate = 0.5
	}
	if b.SendBurst <= 0 {
		b.SendBurst = 3
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.Mentor.Provider == "" {
		c.Mentor.Provider = "openai"
	}
	if c.Mentor.MaxHistory <= 0 {
		c.Mentor.MaxHistory = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}

// Production reports whether the service runs with production logging and gin
// release mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.BasicConfig.Env, "production")
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
