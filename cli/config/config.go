// Package config provides configuration management for the bookstore CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the bookstore configuration file.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	// Service names the process in logs, traces and metrics.
	Service string `yaml:"service"`

	Database      DatabaseConfig      `yaml:"database"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Server        ServerConfig        `yaml:"server"`
	Projections   ProjectionsConfig   `yaml:"projections"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Cache         CacheConfig         `yaml:"cache"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	// Driver is the database driver (postgres, memory)
	Driver string `yaml:"driver"`

	// URL is the database connection string. ${VAR} references are expanded.
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use
	Schema string `yaml:"schema"`

	MaxConnections int `yaml:"max_connections"`
}

// EventStoreConfig selects the event payload serializer.
type EventStoreConfig struct {
	// Serializer is json, msgpack or protobuf. The binary formats need the
	// memory driver because postgres stores payloads as JSONB.
	Serializer string `yaml:"serializer"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token,omitempty"`
	CORSOrigins     []string      `yaml:"cors_origins,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

// ProjectionsConfig configures the projection engine.
type ProjectionsConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// SchedulerConfig configures the command scheduler.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Lease        time.Duration `yaml:"lease"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// CacheConfig configures the read-model cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// NotificationsConfig configures change notifications.
type NotificationsConfig struct {
	// Realtime serves change notifications over WebSocket on /ws.
	Realtime bool `yaml:"realtime"`

	Outbox  OutboxConfig  `yaml:"outbox"`
	Routes  []RouteConfig `yaml:"routes,omitempty"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	SNS     SNSConfig     `yaml:"sns"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// OutboxConfig configures outbox delivery.
type OutboxConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// RouteConfig sends the changes of some entities to a destination.
type RouteConfig struct {
	// Entities limits the route. Empty matches every entity.
	Entities []string `yaml:"entities,omitempty"`

	// Destination is "kafka:<topic>", "sns:<topic arn>" or "webhook:<url>".
	Destination string `yaml:"destination"`

	// Format is json, protobuf or msgpack.
	Format string `yaml:"format,omitempty"`
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers,omitempty"`
	TenantTopics bool     `yaml:"tenant_topics"`
}

// SNSConfig configures the SNS publisher. Credentials come from the
// standard AWS environment variables.
type SNSConfig struct {
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// WebhookConfig configures the webhook publisher.
type WebhookConfig struct {
	SigningSecret string        `yaml:"signing_secret,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Service: "bookstore",
		Database: DatabaseConfig{
			Driver:         "postgres",
			URL:            "${DATABASE_URL}",
			Schema:         "bookstore",
			MaxConnections: 25,
		},
		EventStore: EventStoreConfig{Serializer: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			CommandTimeout:  10 * time.Second,
		},
		Projections: ProjectionsConfig{
			BatchSize:    100,
			PollInterval: 500 * time.Millisecond,
			MaxBackoff:   30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: time.Second,
			BatchSize:    50,
			Lease:        5 * time.Minute,
			MaxAttempts:  5,
		},
		Cache: CacheConfig{
			Size: 10000,
			TTL:  5 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Realtime: true,
			Outbox: OutboxConfig{
				BatchSize:    100,
				PollInterval: time.Second,
				MaxRetries:   5,
			},
			Webhook: WebhookConfig{Timeout: 10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{SampleRatio: 1},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "bookstore",
		},
	}
}

// ConfigFileName is the default config file name
const ConfigFileName = "bookstore.yaml"

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "BOOKSTORE"

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path.
// Missing settings keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// DatabaseURL returns the connection string with environment variables expanded.
func (c *Config) DatabaseURL() string {
	return os.ExpandEnv(c.Database.URL)
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	switch c.Database.Driver {
	case "":
		errors = append(errors, "database.driver is required")
	case "memory":
	case "postgres":
		if c.DatabaseURL() == "" {
			errors = append(errors, "database.url is required for postgres driver")
		}
	default:
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	}

	switch c.EventStore.Serializer {
	case "", "json":
	case "msgpack", "protobuf":
		if c.Database.Driver == "postgres" {
			errors = append(errors, fmt.Sprintf("event_store.serializer %s needs the memory driver", c.EventStore.Serializer))
		}
	default:
		errors = append(errors, "event_store.serializer must be 'json', 'msgpack' or 'protobuf'")
	}

	if c.Server.Addr == "" {
		errors = append(errors, "server.addr is required")
	}
	if c.Cache.Size < 0 {
		errors = append(errors, "cache.size must not be negative")
	}

	for i, route := range c.Notifications.Routes {
		prefix, _, _ := strings.Cut(route.Destination, ":")
		switch prefix {
		case "kafka":
			if len(c.Notifications.Kafka.Brokers) == 0 {
				errors = append(errors, fmt.Sprintf("notifications.routes[%d]: kafka needs notifications.kafka.brokers", i))
			}
		case "sns":
			if c.Notifications.SNS.Region == "" {
				errors = append(errors, fmt.Sprintf("notifications.routes[%d]: sns needs notifications.sns.region", i))
			}
		case "webhook":
		default:
			errors = append(errors, fmt.Sprintf("notifications.routes[%d]: unknown destination %q", i, route.Destination))
		}
		switch route.Format {
		case "", "json", "protobuf", "msgpack":
		default:
			errors = append(errors, fmt.Sprintf("notifications.routes[%d]: unknown format %q", i, route.Format))
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errors = append(errors, "tracing.sample_ratio must be between 0 and 1")
	}

	return errors
}

// ApplyOverrides copies the settings v holds from BOOKSTORE_* environment
// variables or bound flags over the file values. Keys are the YAML paths,
// e.g. "database.url" is read from BOOKSTORE_DATABASE_URL.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("database.driver", &c.Database.Driver)
	str("database.url", &c.Database.URL)
	str("database.schema", &c.Database.Schema)
	str("server.addr", &c.Server.Addr)
	str("server.admin_token", &c.Server.AdminToken)
	str("logging.level", &c.Logging.Level)
	str("logging.format", &c.Logging.Format)

	if v.IsSet("server.cors_origins") {
		c.Server.CORSOrigins = v.GetStringSlice("server.cors_origins")
	}
	if v.IsSet("notifications.kafka.brokers") {
		c.Notifications.Kafka.Brokers = v.GetStringSlice("notifications.kafka.brokers")
	}
	if v.IsSet("tracing.enabled") {
		c.Tracing.Enabled = v.GetBool("tracing.enabled")
	}
	if v.IsSet("scheduler.enabled") {
		c.Scheduler.Enabled = v.GetBool("scheduler.enabled")
	}
}

// GenerateYAML generates a commented config file.
func GenerateYAML(cfg *Config) string {
	return `# Bookstore configuration
# Any setting below database/server/logging can be overridden with
# BOOKSTORE_<SECTION>_<KEY>, e.g. BOOKSTORE_DATABASE_URL.

version: "1"
service: "` + cfg.Service + `"

database:
  # postgres or memory
  driver: "` + cfg.Database.Driver + `"
  url: "${DATABASE_URL}"
  schema: "` + cfg.Database.Schema + `"
  max_connections: ` + fmt.Sprint(cfg.Database.MaxConnections) + `

event_store:
  # json, or msgpack/protobuf with the memory driver
  serializer: "` + cfg.EventStore.Serializer + `"

server:
  addr: "` + cfg.Server.Addr + `"
  shutdown_timeout: ` + cfg.Server.ShutdownTimeout.String() + `
  command_timeout: ` + cfg.Server.CommandTimeout.String() + `

projections:
  batch_size: ` + fmt.Sprint(cfg.Projections.BatchSize) + `
  poll_interval: ` + cfg.Projections.PollInterval.String() + `

scheduler:
  enabled: ` + fmt.Sprint(cfg.Scheduler.Enabled) + `
  poll_interval: ` + cfg.Scheduler.PollInterval.String() + `
  lease: ` + cfg.Scheduler.Lease.String() + `

cache:
  size: ` + fmt.Sprint(cfg.Cache.Size) + `
  ttl: ` + cfg.Cache.TTL.String() + `

notifications:
  realtime: ` + fmt.Sprint(cfg.Notifications.Realtime) + `
  # routes:
  #   - entities: [book]
  #     destination: "kafka:books"
  #     format: protobuf
  #   - destination: "webhook:https://hooks.example.com/bookstore"
  kafka:
    brokers: []
  sns:
    region: ""

logging:
  # debug, info, warn or error
  level: "` + cfg.Logging.Level + `"
  # text or json
  format: "` + cfg.Logging.Format + `"

tracing:
  enabled: ` + fmt.Sprint(cfg.Tracing.Enabled) + `
  sample_ratio: ` + fmt.Sprint(cfg.Tracing.SampleRatio) + `

metrics:
  enabled: ` + fmt.Sprint(cfg.Metrics.Enabled) + `
  namespace: "` + cfg.Metrics.Namespace + `"
`
}
