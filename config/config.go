package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "config/config.yml"

// envSpecificConfigPaths maps an application environment to the configuration
// file used for it when the caller did not override the path explicitly.
var envSpecificConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Ctpflow  CtpflowConfig  `yaml:"ctpflow"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Strategy StrategyConfig `yaml:"strategy"`
	Channels ChannelsConfig `yaml:"channels"`
	Journal  JournalConfig  `yaml:"journal"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type CtpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// GatewayConfig describes the two websocket endpoints of the trade gateway.
// The market data endpoint carries quote subscriptions and ticks, the trade
// endpoint carries login, orders, queries and private flow.
type GatewayConfig struct {
	MdURL            string          `yaml:"md_url"`
	TdURL            string          `yaml:"td_url"`
	BrokerID         string          `yaml:"broker_id"`
	UserID           string          `yaml:"user_id"`
	Password         string          `yaml:"password"`
	AppID            string          `yaml:"app_id"`
	AuthCode         string          `yaml:"auth_code"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles outbound requests on a gateway connection. CTP
// style flow control rejects request floods, so the client paces writes
// instead of letting the gateway disconnect us.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// TimeoutsConfig carries the per-operation deadlines used by the blocking
// facade calls. Zero values are rejected so that a silent "wait forever"
// cannot be configured by accident.
type TimeoutsConfig struct {
	Connect     time.Duration `yaml:"connect"`
	Quote       time.Duration `yaml:"quote"`
	QuoteUpdate time.Duration `yaml:"quote_update"`
	Position    time.Duration `yaml:"position"`
	Order       time.Duration `yaml:"order"`
	Stop        time.Duration `yaml:"stop"`
}

type StrategyConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type ChannelsConfig struct {
	MdBuffer      int `yaml:"md_buffer"`
	TdBuffer      int `yaml:"td_buffer"`
	JournalBuffer int `yaml:"journal_buffer"`
}

// JournalConfig controls the parquet trade journal. When S3 is disabled the
// journal files are written under LocalDir instead.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LocalDir      string        `yaml:"local_dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	Compression   string        `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ChannelSize    bool          `yaml:"channel_size"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envSpecificConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Gateway: GatewayConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     15 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         10,
			},
		},
		Timeouts: TimeoutsConfig{
			Connect:     30 * time.Second,
			Quote:       5 * time.Second,
			QuoteUpdate: 30 * time.Second,
			Position:    5 * time.Second,
			Order:       10 * time.Second,
			Stop:        10 * time.Second,
		},
		Strategy: StrategyConfig{
			MaxConcurrent: 10,
		},
		Channels: ChannelsConfig{
			MdBuffer:      1024,
			TdBuffer:      256,
			JournalBuffer: 256,
		},
		Journal: JournalConfig{
			LocalDir:      "data/journal",
			FlushInterval: 5 * time.Second,
			MaxBuffer:     500,
			Compression:   "snappy",
		},
		Metrics: MetricsConfig{
			ChannelSize:    true,
			ReportInterval: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override gateway credentials from environment variables if available
	if v := os.Getenv("CTP_BROKER_ID"); v != "" {
		config.Gateway.BrokerID = strings.TrimSpace(v)
	}
	if v := os.Getenv("CTP_USER_ID"); v != "" {
		config.Gateway.UserID = strings.TrimSpace(v)
	}
	if v := os.Getenv("CTP_PASSWORD"); v != "" {
		config.Gateway.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("CTP_MD_URL"); v != "" {
		config.Gateway.MdURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CTP_TD_URL"); v != "" {
		config.Gateway.TdURL = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Ctpflow.Name == "" {
		return fmt.Errorf("ctpflow.name is required")
	}

	if cfg.Ctpflow.Version == "" {
		return fmt.Errorf("ctpflow.version is required")
	}

	if cfg.Gateway.MdURL == "" {
		return fmt.Errorf("gateway.md_url is required")
	}
	if cfg.Gateway.TdURL == "" {
		return fmt.Errorf("gateway.td_url is required")
	}
	if cfg.Gateway.BrokerID == "" {
		return fmt.Errorf("gateway.broker_id is required")
	}
	if cfg.Gateway.UserID == "" {
		return fmt.Errorf("gateway.user_id is required")
	}
	if cfg.Gateway.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be greater than 0")
	}
	if cfg.Timeouts.Quote <= 0 {
		return fmt.Errorf("timeouts.quote must be greater than 0")
	}
	if cfg.Timeouts.QuoteUpdate <= 0 {
		return fmt.Errorf("timeouts.quote_update must be greater than 0")
	}
	if cfg.Timeouts.Position <= 0 {
		return fmt.Errorf("timeouts.position must be greater than 0")
	}
	if cfg.Timeouts.Order <= 0 {
		return fmt.Errorf("timeouts.order must be greater than 0")
	}
	if cfg.Timeouts.Stop <= 0 {
		return fmt.Errorf("timeouts.stop must be greater than 0")
	}

	if cfg.Strategy.MaxConcurrent <= 0 {
		return fmt.Errorf("strategy.max_concurrent must be greater than 0")
	}

	if cfg.Channels.MdBuffer <= 0 {
		return fmt.Errorf("channels.md_buffer must be greater than 0")
	}
	if cfg.Channels.TdBuffer <= 0 {
		return fmt.Errorf("channels.td_buffer must be greater than 0")
	}
	if cfg.Channels.JournalBuffer <= 0 {
		return fmt.Errorf("channels.journal_buffer must be greater than 0")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.FlushInterval <= 0 {
			return fmt.Errorf("journal.flush_interval must be greater than 0")
		}
		if cfg.Journal.MaxBuffer <= 0 {
			return fmt.Errorf("journal.max_buffer must be greater than 0")
		}
		if !cfg.Storage.S3.Enabled && cfg.Journal.LocalDir == "" {
			return fmt.Errorf("journal.local_dir is required when S3 is disabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
