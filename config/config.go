package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Watchtower WatchtowerConfig `yaml:"watchtower"`
}

// WatchtowerConfig is the project configuration.
type WatchtowerConfig struct {
	Input     InputConfig     `yaml:"input"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Store     StoreConfig     `yaml:"store"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
	Detection DetectionConfig `yaml:"detection"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Response  ResponseConfig  `yaml:"response"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// InputConfig controls the inbound event stream.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis input.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// PipelineConfig controls ingest behavior.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Mode is memory, redis or postgres.
	Mode     string              `yaml:"mode"`
	Redis    RedisStoreConfig    `yaml:"redis"`
	Postgres PostgresStoreConfig `yaml:"postgres"`
	// MaxEvents bounds the in-memory event buffer.
	MaxEvents int `yaml:"max_events"`
}

// RedisStoreConfig controls the Redis-backed store.
type RedisStoreConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	EventTTL time.Duration `yaml:"event_ttl"`
}

// PostgresStoreConfig controls the Postgres-backed incident archive.
type PostgresStoreConfig struct {
	DSN string `yaml:"dsn"`
}

// ProfilesConfig controls behavioral baseline construction.
type ProfilesConfig struct {
	LookbackDays int           `yaml:"lookback_days"`
	MinEvents    int           `yaml:"min_events"`
	MaxAge       time.Duration `yaml:"max_age"`
	CacheSize    int           `yaml:"cache_size"`
}

// DetectionConfig controls Sigma enrichment.
type DetectionConfig struct {
	SigmaEnabled bool   `yaml:"sigma_enabled"`
	SigmaPath    string `yaml:"sigma_path"`
}

// AlertsConfig controls alert fan-out and the threshold watchers.
type AlertsConfig struct {
	SendTimeout      time.Duration       `yaml:"send_timeout"`
	SubscriberBuffer int                 `yaml:"subscriber_buffer"`
	Cooldown         time.Duration       `yaml:"cooldown"`
	Outputs          AlertOutputsConfig  `yaml:"outputs"`
	Watchers         AlertWatchersConfig `yaml:"watchers"`
}

// AlertOutputsConfig enables outbound alert sinks.
type AlertOutputsConfig struct {
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
	NATS NATSOutputConfig `yaml:"nats"`
}

// AlertWatchersConfig tunes the periodic threshold checks.
type AlertWatchersConfig struct {
	BruteForceThreshold  int           `yaml:"brute_force_threshold"`
	BruteForceWindow     time.Duration `yaml:"brute_force_window"`
	EnumerationThreshold int           `yaml:"enumeration_threshold"`
	EnumerationWindow    time.Duration `yaml:"enumeration_window"`
	HighRiskThreshold    int           `yaml:"high_risk_threshold"`
	HighRiskWindow       time.Duration `yaml:"high_risk_window"`
	ExcessiveThreshold   int           `yaml:"excessive_threshold"`
	ExcessiveWindow      time.Duration `yaml:"excessive_window"`
	ErrorSpikeThreshold  int           `yaml:"error_spike_threshold"`
	ErrorSpikeWindow     time.Duration `yaml:"error_spike_window"`
}

// IncidentsConfig controls the incident rule engine.
type IncidentsConfig struct {
	// RulesPath points to a YAML rule set; empty means built-in rules.
	RulesPath     string        `yaml:"rules_path"`
	ContextWindow time.Duration `yaml:"context_window"`
}

// ResponseConfig controls containment execution.
type ResponseConfig struct {
	RateLimitTTL time.Duration `yaml:"rate_limit_ttl"`
}

// MonitorConfig controls the background loop cadence.
type MonitorConfig struct {
	ProfileRefreshInterval time.Duration `yaml:"profile_refresh_interval"`
	RealtimeInterval       time.Duration `yaml:"realtime_interval"`
	DeepAnalysisInterval   time.Duration `yaml:"deep_analysis_interval"`
}

// APIConfig controls the admin HTTP listener.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// NATSOutputConfig config for NATS publishing.
type NATSOutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
