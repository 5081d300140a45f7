// Package config loads application configuration from a YAML file with
// environment variable overrides. Secrets live in env vars (or a local
// .env file) and never in the config file itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relaymail/dispatch/internal/provider"
)

// Config holds all configuration for the dispatch system.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Database  DatabaseConfig    `yaml:"database"`
	Redis     RedisConfig       `yaml:"redis"`
	Security  SecurityConfig    `yaml:"security"`
	Worker    WorkerConfig      `yaml:"worker"`
	Queue     QueueConfig       `yaml:"queue"`
	Providers provider.Settings `yaml:"providers"`
	Webhooks  WebhookConfig     `yaml:"webhooks"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for hourly throttling.
// Throttling is disabled when the URL is empty.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SecurityConfig holds secret material. EncryptionKey protects stored
// account credentials; a process without it cannot send at all, so
// Load fails fast when it is missing.
type SecurityConfig struct {
	EncryptionKey     string `yaml:"-"`
	AdminPasswordHash string `yaml:"-"`
	BcryptCost        int    `yaml:"bcrypt_cost"`
}

// WorkerConfig tunes the dispatch pool.
type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	BatchSize           int `yaml:"batch_size"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// PollInterval returns the idle poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// QueueConfig tunes retry behavior.
type QueueConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelaySeconds  float64 `yaml:"base_delay_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// BaseDelay returns the first retry delay as a duration.
func (c QueueConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds * float64(time.Second))
}

// WebhookConfig tunes inbound callback handling.
type WebhookConfig struct {
	EnforceSignatures bool `yaml:"enforce_signatures"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 10
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 1
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseDelaySeconds == 0 {
		c.Queue.BaseDelaySeconds = 2
	}
	if c.Queue.BackoffMultiplier == 0 {
		c.Queue.BackoffMultiplier = 2.0
	}
	if c.Security.BcryptCost == 0 {
		c.Security.BcryptCost = 12
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in
// .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		cfg.Providers.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		cfg.Providers.Gmail.ClientSecret = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_ID"); v != "" {
		cfg.Providers.Outlook.ClientID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_SECRET"); v != "" {
		cfg.Providers.Outlook.ClientSecret = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_STATE"); v != "" {
		cfg.Providers.Outlook.ClientState = v
	}
	if v := os.Getenv("SENDGRID_WEBHOOK_PUBLIC_KEY"); v != "" {
		cfg.Providers.SendGrid.WebhookPublicKey = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		cfg.Providers.SES.Region = v
	}
	if v := os.Getenv("MAILGUN_WEBHOOK_SIGNING_KEY"); v != "" {
		cfg.Providers.Mailgun.WebhookSigningKey = v
	}

	cfg.Security.AdminPasswordHash = os.Getenv("ADMIN_PASSWORD_HASH")
	cfg.Security.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is required (set DATABASE_URL or database.url)")
	}

	return cfg, nil
}
