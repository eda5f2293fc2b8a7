package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/relaylab/project-relay/internal/tracking"
)

// Config represents the top-level application config plus the resolved
// tracking-rule repository.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Tracking     TrackingConfig     `koanf:"tracking"`
	Webhook      WebhookConfig      `koanf:"webhook"`
	Notification NotificationConfig `koanf:"notification"`
	RouterSync   RouterSyncConfig   `koanf:"router_sync"`

	// Rules is populated by Load after resolving the rules source.
	Rules tracking.RuleRepository `koanf:"-"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Queue    string `koanf:"queue"`
}

type TrackingConfig struct {
	// RulesDir holds per-entity-kind rule YAML files. Empty means the
	// built-in default rule set.
	RulesDir string `koanf:"rules_dir"`
}

type WebhookConfig struct {
	Timeout          string `koanf:"timeout"`
	FailureThreshold int    `koanf:"failure_threshold"`
}

func (c WebhookConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

type NotificationConfig struct {
	// PushGatewayURL is the push fan-out endpoint. Empty falls back to a
	// log-only pusher.
	PushGatewayURL string `koanf:"push_gateway_url"`

	// CoalesceWindow batches driver pushes; "0s" sends each immediately.
	CoalesceWindow string `koanf:"coalesce_window"`
}

func (c NotificationConfig) CoalesceWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.CoalesceWindow)
	if err != nil || d < 0 {
		return 2 * time.Second
	}
	return d
}

type RouterSyncConfig struct {
	BaseURL       string `koanf:"base_url"`
	SweepInterval string `koanf:"sweep_interval"`
	SweepLimit    int    `koanf:"sweep_limit"`
}

func (c RouterSyncConfig) SweepIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.SweepInterval)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if strings.TrimSpace(c.Redis.Queue) == "" {
		return fmt.Errorf("redis.queue is required")
	}

	if _, err := time.ParseDuration(c.Webhook.Timeout); err != nil {
		return fmt.Errorf("invalid webhook.timeout %q: %w", c.Webhook.Timeout, err)
	}
	if c.Webhook.FailureThreshold <= 0 {
		return fmt.Errorf("webhook.failure_threshold must be > 0")
	}

	if _, err := time.ParseDuration(c.Notification.CoalesceWindow); err != nil {
		return fmt.Errorf("invalid notification.coalesce_window %q: %w", c.Notification.CoalesceWindow, err)
	}

	interval, err := c.RouterSync.SweepIntervalDuration()
	if err != nil {
		return fmt.Errorf("invalid router_sync.sweep_interval %q: %w", c.RouterSync.SweepInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("router_sync.sweep_interval must be > 0")
	}
	if c.RouterSync.SweepLimit <= 0 {
		return fmt.Errorf("router_sync.sweep_limit must be > 0")
	}

	return nil
}

// Load parses config from file + env, validates it, then resolves the
// tracking-rule repository.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                   8080,
		"server.host":                   "0.0.0.0",
		"server.mode":                   "release",
		"database.dsn":                  "",
		"database.max_open_conns":       25,
		"database.max_idle_conns":       25,
		"database.auto_migrate":         true,
		"redis.addr":                    "127.0.0.1:6379",
		"redis.password":                "",
		"redis.db":                      0,
		"redis.queue":                   "relay:events",
		"tracking.rules_dir":            "",
		"webhook.timeout":               "10s",
		"webhook.failure_threshold":     10,
		"notification.push_gateway_url": "",
		"notification.coalesce_window":  "2s",
		"router_sync.base_url":          "",
		"router_sync.sweep_interval":    "1m",
		"router_sync.sweep_limit":       100,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Tracking.RulesDir != "" {
		rules, err := tracking.NewFileSystemRuleRepository(cfg.Tracking.RulesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load tracking rules: %w", err)
		}
		cfg.Rules = rules
	} else {
		rules, err := tracking.NewStaticRuleRepository(tracking.DefaultRules()...)
		if err != nil {
			return nil, fmt.Errorf("failed to build default tracking rules: %w", err)
		}
		cfg.Rules = rules
	}

	return &cfg, nil
}
