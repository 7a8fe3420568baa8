// Package config provides YAML-based configuration loading for Milepost.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Milepost configuration, loaded from milepost.yaml.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Payment     PaymentConfig     `yaml:"payment"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Log         LogConfig         `yaml:"log"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

// DatabaseConfig selects the gorm driver and its connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite only
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// PaymentConfig points at the external processor's release endpoint.
type PaymentConfig struct {
	ReleaseURL string        `yaml:"release_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ReconcilerConfig controls the outbox dispatcher.
type ReconcilerConfig struct {
	Schedule   string `yaml:"schedule"` // cron spec, e.g. "@every 30s"
	BatchSize  int    `yaml:"batch_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type AlertsConfig struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// NegotiationConfig tunes the transparent retry on optimistic conflicts.
type NegotiationConfig struct {
	ConflictRetries int           `yaml:"conflict_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

var validDrivers = map[string]bool{"mysql": true, "postgres": true, "sqlite": true}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config is loaded first when present, then
// environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with the deployment environment.
func (c *Config) applyEnv(getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.RabbitMQ.URL, "MQ_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setInt(&c.Server.Port, "SERVER_PORT")
	setString(&c.Payment.ReleaseURL, "PAYMENT_RELEASE_URL")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "milepost"
	}
	if c.Database.User == "" && c.Database.Driver != "sqlite" {
		c.Database.User = "root"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "milepost.events"
	}
	if c.Redis.DedupeTTL == 0 {
		c.Redis.DedupeTTL = 30 * 24 * time.Hour
	}
	if c.Payment.Timeout == 0 {
		c.Payment.Timeout = 10 * time.Second
	}
	if c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "@every 30s"
	}
	if c.Reconciler.BatchSize == 0 {
		c.Reconciler.BatchSize = 100
	}
	if c.Reconciler.MaxRetries == 0 {
		c.Reconciler.MaxRetries = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Negotiation.ConflictRetries == 0 {
		c.Negotiation.ConflictRetries = 3
	}
	if c.Negotiation.RetryBackoff == 0 {
		c.Negotiation.RetryBackoff = 20 * time.Millisecond
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("database.driver %q must be one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		errs = append(errs, "database.path is required for sqlite")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Reconciler.MaxRetries < 1 {
		errs = append(errs, "reconciler.max_retries must be at least 1")
	}
	if c.Reconciler.BatchSize < 1 {
		errs = append(errs, "reconciler.batch_size must be at least 1")
	}
	if c.Negotiation.ConflictRetries < 1 {
		errs = append(errs, "negotiation.conflict_retries must be at least 1")
	}
	if (c.Alerts.DiscordWebhookID == "") != (c.Alerts.DiscordWebhookToken == "") {
		errs = append(errs, "alerts.discord_webhook_id and alerts.discord_webhook_token must be set together")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireServe checks the settings only the HTTP server needs.
func (c *Config) RequireServe() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required to serve")
	}
	return nil
}
