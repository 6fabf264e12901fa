package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendDef describes one proxy-gateway backend to ingest from.
type BackendDef struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// PipelineConfig holds the per-backend ingestion pipeline tuning knobs.
// Interval fields are duration strings (e.g. "30s") parsed with time.ParseDuration.
type PipelineConfig struct {
	FlushInterval     string `yaml:"flush_interval"`
	MaxPendingEvents  int    `yaml:"max_pending_events"`
	SweepInterval     string `yaml:"sweep_interval"`
	StaleTimeout      string `yaml:"stale_timeout"`
	ReconnectInterval string `yaml:"reconnect_interval"`
}

// RealtimeConfig holds the in-memory overlay settings.
type RealtimeConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
}

// SQLiteConfig holds the durable row store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ClickHouseConfig holds the optional columnar analytical store settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StoreConfig groups the durable sinks.
type StoreConfig struct {
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// RetentionConfig controls automatic cleanup of aged rows.
type RetentionConfig struct {
	DetailDays  int    `yaml:"detail_days"`
	RollupDays  int    `yaml:"rollup_days"`
	AutoCleanup bool   `yaml:"auto_cleanup"`
	Interval    string `yaml:"interval"`
}

// GeoIPConfig holds the enrichment service settings.
type GeoIPConfig struct {
	Provider    string `yaml:"provider"` // "online" or "local"
	URL         string `yaml:"url"`      // online provider endpoint, %s = ip
	LocalDBPath string `yaml:"local_db_path"`
	Timeout     string `yaml:"timeout"`
	Spacing     string `yaml:"spacing"`
	QueueSize   int    `yaml:"queue_size"`
	Cooldown    string `yaml:"cooldown"`
}

// NATSConfig holds the push-notification channel settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// NotifyConfig groups the post-flush push hook settings.
type NotifyConfig struct {
	NATS            NATSConfig `yaml:"nats"`
	MinPushInterval string     `yaml:"min_push_interval"`
}

// AlerterRule defines a single threshold rule evaluated against a backend's
// realtime traffic.
type AlerterRule struct {
	Name      string  `yaml:"name"`
	BackendID string  `yaml:"backend_id"`
	Metric    string  `yaml:"metric"` // total_upload, total_download, connections
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
}

// AlerterConfig holds the threshold alerting settings.
type AlerterConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval string        `yaml:"interval"`
	Rules    []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the email notifier settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig holds the HTTP read API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Backends  []BackendDef    `yaml:"backends"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Notify    NotifyConfig    `yaml:"notify"`
	Alerter   AlerterConfig   `yaml:"alerter"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	API       APIConfig       `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return &cfg, nil
}

// Duration parses a duration string, falling back to def when the field is
// empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
