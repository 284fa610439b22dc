package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeLocal = "local"
	ModeAWS   = "aws"
)

// Config holds the runtime configuration shared by the daemon and the
// Lambda entry points.
type Config struct {
	Mode string `yaml:"mode" validate:"oneof=local aws"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	HTTP    HTTPConfig    `yaml:"http"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Store   StoreConfig   `yaml:"store"`
	NATS    NATSConfig    `yaml:"nats"`
	AWS     AWSConfig     `yaml:"aws"`
	Notify  NotifyConfig  `yaml:"notify"`
	Sim     SimConfig     `yaml:"sim"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr" validate:"required"`
	GRPCAddr    string `yaml:"grpc_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"required"`
}

type QueueConfig struct {
	// Backend is "memory", "jetstream" or "sqs".
	Backend    string        `yaml:"backend" validate:"oneof=memory jetstream sqs"`
	Visibility time.Duration `yaml:"visibility" validate:"gt=0"`
	Wait       time.Duration `yaml:"wait" validate:"gt=0"`
	// CommandURL and EventURL are SQS queue URLs.
	CommandURL string `yaml:"command_url"`
	EventURL   string `yaml:"event_url"`
	MaxDeliver int    `yaml:"max_deliver" validate:"min=0"`
}

type WorkerConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	ConflictRetries int           `yaml:"conflict_retries" validate:"min=1"`
	StaleAfter      time.Duration `yaml:"stale_after" validate:"gt=0"`
	// Concurrency is the number of consumer loops per queue in the daemon.
	Concurrency int `yaml:"concurrency" validate:"min=1"`
}

type StoreConfig struct {
	// Backend is "badger" or "dynamodb".
	Backend string `yaml:"backend" validate:"oneof=badger dynamodb"`
	// Path is the badger directory; empty keeps everything in memory.
	Path   string      `yaml:"path"`
	Tables TableConfig `yaml:"tables"`
}

type TableConfig struct {
	Spec     string `yaml:"spec"`
	Guild    string `yaml:"guild"`
	Server   string `yaml:"server"`
	Instance string `yaml:"instance"`
}

type NATSConfig struct {
	URL            string `yaml:"url"`
	Stream         string `yaml:"stream"`
	CommandSubject string `yaml:"command_subject"`
	EventSubject   string `yaml:"event_subject"`
	NotifyPrefix   string `yaml:"notify_prefix"`
}

type AWSConfig struct {
	Region         string   `yaml:"region"`
	Cluster        string   `yaml:"cluster"`
	Subnets        []string `yaml:"subnets"`
	SecurityGroups []string `yaml:"security_groups"`
	SavegameBucket string   `yaml:"savegame_bucket"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// SimConfig drives the in-process compute simulator used in local mode.
type SimConfig struct {
	BootDelay time.Duration `yaml:"boot_delay"`
	StopDelay time.Duration `yaml:"stop_delay"`
	Capacity  int           `yaml:"capacity" validate:"min=0"`
}

// DefaultConfig returns a configuration for a single local process.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeLocal,
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{Exporter: "none"},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			GRPCAddr:    ":50051",
			MetricsAddr: ":9090",
		},
		Queue: QueueConfig{
			Backend:    "memory",
			Visibility: 2 * time.Minute,
			Wait:       time.Second,
			MaxDeliver: 10,
		},
		Worker: WorkerConfig{
			Timeout:         90 * time.Second,
			ConflictRetries: 5,
			StaleAfter:      10 * time.Minute,
			Concurrency:     2,
		},
		Store: StoreConfig{Backend: "badger"},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Stream:         "SERVERBOT",
			CommandSubject: "serverbot.commands",
			EventSubject:   "serverbot.events",
			NotifyPrefix:   "serverbot.notify",
		},
		Sim: SimConfig{
			BootDelay: 2 * time.Second,
			StopDelay: time.Second,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	cfg.applyEnvOverrides(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the deployment environment onto the config.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SERVERBOT_MODE", &c.Mode)
	str("LOG_LEVEL", &c.Logging.Level)
	str("BOT_QUEUE_URL", &c.Queue.CommandURL)
	str("EVENT_QUEUE_URL", &c.Queue.EventURL)
	str("SPEC_TABLE", &c.Store.Tables.Spec)
	str("GUILD_TABLE", &c.Store.Tables.Guild)
	str("SERVER_TABLE", &c.Store.Tables.Server)
	str("INSTANCE_TABLE", &c.Store.Tables.Instance)
	str("CLUSTER", &c.AWS.Cluster)
	str("AWS_REGION", &c.AWS.Region)
	str("SAVEGAME_BUCKET", &c.AWS.SavegameBucket)
	str("NOTIFY_WEBHOOK_URL", &c.Notify.WebhookURL)
	str("NATS_URL", &c.NATS.URL)
	if v, ok := lookup("SUBNETS"); ok && v != "" {
		c.AWS.Subnets = splitList(v)
	}
	if v, ok := lookup("SECURITY_GROUPS"); ok && v != "" {
		c.AWS.SecurityGroups = splitList(v)
	}

	if c.Mode == ModeAWS {
		if c.Store.Backend == "badger" {
			c.Store.Backend = "dynamodb"
		}
		if c.Queue.Backend == "memory" {
			c.Queue.Backend = "sqs"
		}
	}
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Worker.Timeout >= c.Queue.Visibility {
		return fmt.Errorf("invalid config: worker timeout %s must be shorter than queue visibility %s",
			c.Worker.Timeout, c.Queue.Visibility)
	}
	if c.Store.Backend == "dynamodb" {
		t := c.Store.Tables
		if t.Spec == "" || t.Guild == "" || t.Server == "" || t.Instance == "" {
			return errors.New("invalid config: dynamodb store needs all four table names")
		}
	}
	if c.Queue.Backend == "sqs" && c.Queue.CommandURL == "" {
		return errors.New("invalid config: sqs queue needs BOT_QUEUE_URL")
	}
	if c.Mode == ModeLocal && c.Queue.Backend == "sqs" && c.Queue.EventURL == "" {
		return errors.New("invalid config: local mode on sqs needs EVENT_QUEUE_URL for simulator events")
	}
	if c.Queue.Backend == "jetstream" && c.NATS.URL == "" {
		return errors.New("invalid config: jetstream queue needs NATS_URL")
	}
	return nil
}

// splitList splits the ';'-separated lists used by the deployment.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
