// Package config loads the event-layer configuration from YAML with
// environment-variable fallbacks for deployment settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "5s"-style YAML strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration
type Config struct {
	// Bus Configuration
	Bus BusConfig `yaml:"bus"`

	// Store Configuration
	Store StoreConfig `yaml:"store"`

	// Backend selects the durable backend: memory, redis, or firestore.
	Backend string `yaml:"backend"`

	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`

	// Observability Configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// BusConfig holds in-memory bus tuning.
type BusConfig struct {
	HistorySize   int      `yaml:"history_size"`
	StatsInterval Duration `yaml:"stats_interval"`
	StatsSamples  int      `yaml:"stats_samples"`
}

// StoreConfig holds persistence tuning.
type StoreConfig struct {
	// PersistAll persists every event; otherwise PersistTypes is the
	// allow-list.
	PersistAll    bool     `yaml:"persist_all"`
	PersistTypes  []string `yaml:"persist_types"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	SyncEnabled   bool     `yaml:"sync_enabled"`
	DedupWindow   Duration `yaml:"dedup_window"`
	Retention     Duration `yaml:"retention"`
	RetentionCron string   `yaml:"retention_cron"`
	ReplayWindow  Duration `yaml:"replay_window"`
}

// RedisConfig holds Redis backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// FirestoreConfig holds Firestore backend connection settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// ObservabilityConfig holds the metrics/health server settings.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: "memory",
		Bus: BusConfig{
			HistorySize:   1000,
			StatsInterval: Duration(time.Second),
			StatsSamples:  100,
		},
		Store: StoreConfig{
			PersistAll:    false,
			BatchSize:     50,
			FlushInterval: Duration(5 * time.Second),
			DedupWindow:   Duration(5 * time.Minute),
			Retention:     Duration(7 * 24 * time.Hour),
			RetentionCron: "@hourly",
			ReplayWindow:  Duration(24 * time.Hour),
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	return cfg, nil
}

// applyEnv fills deployment settings from the environment when the file left
// them empty.
func (c *Config) applyEnv() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Firestore.CredentialsFile == "" {
		c.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Backend == "" {
		c.Backend = os.Getenv("AGENTBUS_BACKEND")
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = d.Bus.HistorySize
	}
	if c.Bus.StatsInterval == 0 {
		c.Bus.StatsInterval = d.Bus.StatsInterval
	}
	if c.Bus.StatsSamples == 0 {
		c.Bus.StatsSamples = d.Bus.StatsSamples
	}
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = d.Store.BatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = d.Store.FlushInterval
	}
	if c.Store.DedupWindow == 0 {
		c.Store.DedupWindow = d.Store.DedupWindow
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = d.Store.Retention
	}
	if c.Store.RetentionCron == "" {
		c.Store.RetentionCron = d.Store.RetentionCron
	}
	if c.Store.ReplayWindow == 0 {
		c.Store.ReplayWindow = d.Store.ReplayWindow
	}
	if c.Observability.Port == 0 {
		c.Observability.Port = d.Observability.Port
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want memory, redis, or firestore)", c.Backend)
	}

	if c.Store.BatchSize < 1 {
		return fmt.Errorf("store.batch_size must be positive")
	}
	if !c.Store.PersistAll && c.Store.SyncEnabled && len(c.Store.PersistTypes) == 0 {
		return fmt.Errorf("store.sync_enabled requires persist_all or a persist_types list")
	}
	return nil
}
