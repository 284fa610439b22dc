package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 2*time.Minute, cfg.Queue.Visibility)
	require.Equal(t, 90*time.Second, cfg.Worker.Timeout)
	require.Equal(t, 5, cfg.Worker.ConflictRetries)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: local
logging:
  level: debug
  format: console
queue:
  backend: jetstream
  visibility: 3m
worker:
  timeout: 2m
  stale_after: 5m
store:
  path: /var/lib/serverbot
sim:
  capacity: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "jetstream", cfg.Queue.Backend)
	require.Equal(t, 3*time.Minute, cfg.Queue.Visibility)
	require.Equal(t, 2*time.Minute, cfg.Worker.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Worker.StaleAfter)
	require.Equal(t, "/var/lib/serverbot", cfg.Store.Path)
	require.Equal(t, 4, cfg.Sim.Capacity)
	require.Equal(t, time.Second, cfg.Queue.Wait, "unset keys keep their defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ModeLocal, cfg.Mode)
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides(env(map[string]string{
		"SERVERBOT_MODE": "aws",
		"BOT_QUEUE_URL":  "https://sqs.eu-west-3.amazonaws.com/123/bot",
		"CLUSTER":        "games",
		"SUBNETS":        "subnet-a; subnet-b;",
		"SPEC_TABLE":     "specs",
		"GUILD_TABLE":    "guilds",
		"SERVER_TABLE":   "servers",
		"INSTANCE_TABLE": "instances",
		"LOG_LEVEL":      "warn",
	}))
	require.NoError(t, cfg.Validate())
	require.Equal(t, ModeAWS, cfg.Mode)
	require.Equal(t, "dynamodb", cfg.Store.Backend)
	require.Equal(t, "sqs", cfg.Queue.Backend)
	require.Equal(t, []string{"subnet-a", "subnet-b"}, cfg.AWS.Subnets)
	require.Equal(t, "games", cfg.AWS.Cluster)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"timeout not below visibility": func(c *Config) { c.Worker.Timeout = c.Queue.Visibility },
		"unknown mode":                 func(c *Config) { c.Mode = "edge" },
		"dynamodb without tables":      func(c *Config) { c.Store.Backend = "dynamodb" },
		"sqs without url":              func(c *Config) { c.Queue.Backend = "sqs" },
		"bad webhook":                  func(c *Config) { c.Notify.WebhookURL = "not a url" },
		"zero retries":                 func(c *Config) { c.Worker.ConflictRetries = 0 },
		"local sqs without event queue": func(c *Config) {
			c.Queue.Backend = "sqs"
			c.Queue.CommandURL = "https://sqs.eu-west-3.amazonaws.com/123/bot"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
