// Package config loads terminal configuration from the environment and an
// optional pod.env or YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-pod/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pod/internal/observability/tracing"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/workflow"
)

// DefaultFile is read when present and no explicit file is given.
const DefaultFile = "pod.env"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Push transports.
const (
	TransportHTTP     = "http"
	TransportRedpanda = "redpanda"
)

// Config is the terminal configuration.
type Config struct {
	Env          string `mapstructure:"ENV"`
	Port         string `mapstructure:"PORT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	DeviceID     string `mapstructure:"DEVICE_ID"`
	BackendURL   string `mapstructure:"BACKEND_URL"`
	BackendToken string `mapstructure:"BACKEND_TOKEN"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Durations accept Go syntax ("5m") or a bare number of seconds.
	SyncInterval       time.Duration `mapstructure:"-"`
	SyncAuto           bool          `mapstructure:"SYNC_AUTO"`
	SyncRequestTimeout time.Duration `mapstructure:"-"`
	SyncParallelism    int           `mapstructure:"SYNC_PARALLELISM"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`

	PushTransport string   `mapstructure:"PUSH_TRANSPORT"`
	KafkaBrokers  []string `mapstructure:"-"`

	RiskPolicyFile string        `mapstructure:"RISK_POLICY_FILE"`
	PendingTTL     time.Duration `mapstructure:"-"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"ENV", "PORT", "LOG_LEVEL", "DEVICE_ID", "BACKEND_URL", "BACKEND_TOKEN",
	"STORE_DRIVER", "DB_PATH", "DATABASE_URL",
	"SYNC_INTERVAL", "SYNC_AUTO", "SYNC_REQUEST_TIMEOUT", "SYNC_PARALLELISM", "OUTBOX_BATCH_SIZE",
	"PUSH_TRANSPORT", "KAFKA_BROKERS",
	"RISK_POLICY_FILE", "PENDING_TTL",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "production")
	v.SetDefault("PORT", "8090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEVICE_ID", defaultDeviceID())
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "pod.db")
	v.SetDefault("SYNC_INTERVAL", replication.DefaultInterval.String())
	v.SetDefault("SYNC_AUTO", true)
	v.SetDefault("SYNC_REQUEST_TIMEOUT", replication.DefaultRequestTimeout.String())
	v.SetDefault("SYNC_PARALLELISM", 1)
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("PUSH_TRANSPORT", TransportHTTP)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("PENDING_TTL", workflow.DefaultConfig().PendingTTL.String())
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
}

// Load reads configuration. When file is empty DefaultFile is used if it
// exists; an explicit file must exist. Environment variables win over the file.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	v.SetConfigFile(file)
	if strings.HasSuffix(file, ".env") {
		v.SetConfigType("env")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	if cfg.SyncInterval, err = duration(v, "SYNC_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.SyncRequestTimeout, err = duration(v, "SYNC_REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.PendingTTL, err = duration(v, "PENDING_TTL"); err != nil {
		return nil, err
	}
	cfg.KafkaBrokers = list(v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// duration parses Go duration syntax or whole seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func list(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pod-terminal"
	}
	return host
}

// IsDev reports whether ENV is development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("DEVICE_ID is required")
	}
	if err := c.Scheduler().Validate(); err != nil {
		return fmt.Errorf("SYNC_INTERVAL: %w", err)
	}
	if c.SyncRequestTimeout <= 0 {
		return errors.New("SYNC_REQUEST_TIMEOUT must be positive")
	}
	if c.SyncParallelism < 1 {
		return fmt.Errorf("SYNC_PARALLELISM must be at least 1, got %d", c.SyncParallelism)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1, got %d", c.OutboxBatchSize)
	}
	if c.PendingTTL <= 0 {
		return errors.New("PENDING_TTL must be positive")
	}

	switch c.StoreDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StoreDriver)
	}

	switch c.PushTransport {
	case TransportHTTP:
	case TransportRedpanda:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for the redpanda transport")
		}
	default:
		return fmt.Errorf("PUSH_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportRedpanda, c.PushTransport)
	}

	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("BACKEND_URL is not an absolute URL: %q", c.BackendURL)
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within 0..1, got %v", c.TraceSampleRate)
	}
	return nil
}

// Credentials returns the configured backend credentials.
func (c *Config) Credentials() replication.Credentials {
	return replication.Credentials{BaseURL: c.BackendURL, Token: c.BackendToken}
}

// Scheduler returns the auto-sync configuration. The scheduler itself only
// runs when SYNC_AUTO is set.
func (c *Config) Scheduler() replication.SchedulerConfig {
	return replication.SchedulerConfig{Interval: c.SyncInterval, RunOnStart: true}
}

// Orchestrator returns the sync session configuration.
func (c *Config) Orchestrator() replication.Config {
	cfg := replication.DefaultConfig()
	cfg.Parallelism = c.SyncParallelism
	cfg.OutboxBatchSize = c.OutboxBatchSize
	return cfg
}

// Workflow returns the dispense workflow configuration.
func (c *Config) Workflow() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.PendingTTL = c.PendingTTL
	return cfg
}

// Producer returns the Redpanda producer configuration.
func (c *Config) Producer() redpanda.ProducerConfig {
	cfg := redpanda.DefaultProducerConfig()
	cfg.Brokers = c.KafkaBrokers
	cfg.ClientID = "go-pod-" + c.DeviceID
	return cfg
}

// Tracing returns the tracing configuration.
func (c *Config) Tracing(serviceName, version string) tracing.Config {
	cfg := tracing.DefaultConfig(serviceName)
	cfg.Enabled = c.TracingEnabled
	cfg.ServiceVersion = version
	cfg.Environment = c.Env
	cfg.DeviceID = c.DeviceID
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRate = c.TraceSampleRate
	return cfg
}
