// Package config loads the server configuration from YAML, .env and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/taskhive/taskhive-backend/internal/analytics"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Admission AdmissionConfig `yaml:"admission"`
	Usage     UsageConfig     `yaml:"usage"`
	Settings  SettingsConfig  `yaml:"settings"`
	AI        AIConfig        `yaml:"ai"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read-timeout"`
	WriteTimeout    time.Duration `yaml:"write-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	TrustedProxies  []string      `yaml:"trusted-proxies"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the SQL connection.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max-open-conns"`
	MaxIdleConns    int           `yaml:"max-idle-conns"`
	ConnMaxLifetime time.Duration `yaml:"conn-max-lifetime"`
}

// RedisConfig configures the optional Redis connection.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key-prefix"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

// JWTConfig holds token signing secrets.
type JWTConfig struct {
	Secret      string `yaml:"secret"`
	AdminSecret string `yaml:"admin-secret"`
}

// AdmissionConfig selects the request counter and bounds decisions.
type AdmissionConfig struct {
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
}

// UsageConfig sizes the usage recorder and ledger retention.
type UsageConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue-size"`
	WriteTimeout  time.Duration `yaml:"write-timeout"`
	RetentionDays int           `yaml:"retention-days"`
}

// SettingsConfig tunes the AI settings cache.
type SettingsConfig struct {
	CacheTTL time.Duration `yaml:"cache-ttl"`
}

// AIConfig points at the model service the AI routes proxy to.
type AIConfig struct {
	UpstreamURL     string        `yaml:"upstream-url"`
	UpstreamTimeout time.Duration `yaml:"upstream-timeout"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// Admission counter modes.
const (
	AdmissionModeLedger = "ledger"
	AdmissionModeRedis  = "redis"
)

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "file:data/taskhive.db",
		},
		Redis: RedisConfig{
			KeyPrefix: "taskhive:ai:admission:",
		},
		Admission: AdmissionConfig{
			Mode:    AdmissionModeLedger,
			Timeout: 3 * time.Second,
		},
		Usage: UsageConfig{
			Workers:       4,
			QueueSize:     1024,
			WriteTimeout:  5 * time.Second,
			RetentionDays: 365,
		},
		Settings: SettingsConfig{
			CacheTTL: 30 * time.Second,
		},
		AI: AIConfig{
			UpstreamTimeout: 120 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads .env (if present), the YAML file at path (if non-empty) and
// environment overrides, then validates the result.
func Load(path string) (Config, error) {
	if errEnv := godotenv.Load(); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", errEnv)
	}

	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}
	if errEnv := applyEnv(&cfg, os.LookupEnv); errEnv != nil {
		return Config{}, errEnv
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_URL", &cfg.Redis.URL)
	str("JWT_SECRET", &cfg.JWT.Secret)
	str("ADMIN_JWT_SECRET", &cfg.JWT.AdminSecret)
	str("AI_UPSTREAM_URL", &cfg.AI.UpstreamURL)
	str("ADMISSION_MODE", &cfg.Admission.Mode)
	str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, errParse := strconv.Atoi(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: PORT: %w", errParse)
		}
		cfg.Server.Port = port
	}
	return nil
}

// MinRetentionDays is the shortest non-zero retention that keeps every
// report period fully readable from the ledger.
func MinRetentionDays() int {
	return int(analytics.Period90d.Window() / (24 * time.Hour))
}

// Validate checks required fields and fills secondary defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	if strings.TrimSpace(c.JWT.AdminSecret) == "" {
		c.JWT.AdminSecret = c.JWT.Secret
	}
	c.Admission.Mode = strings.ToLower(strings.TrimSpace(c.Admission.Mode))
	switch c.Admission.Mode {
	case "":
		c.Admission.Mode = AdmissionModeLedger
	case AdmissionModeLedger:
	case AdmissionModeRedis:
		if !c.Redis.Enabled() {
			return errors.New("config: admission.mode redis requires redis.url")
		}
	default:
		return fmt.Errorf("config: unknown admission.mode %q", c.Admission.Mode)
	}
	if c.Usage.RetentionDays < 0 {
		return errors.New("config: usage.retention-days must not be negative")
	}
	if c.Usage.RetentionDays > 0 && c.Usage.RetentionDays < MinRetentionDays() {
		return fmt.Errorf("config: usage.retention-days %d is shorter than the %d day report window", c.Usage.RetentionDays, MinRetentionDays())
	}
	return nil
}
