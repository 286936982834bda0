package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xindexer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, src, err := loadConfig("")
	require.NoError(t, err)
	assert.Nil(t, src)
	assert.Equal(t, "xindex.accounts.dlq", cfg.Accounts.Topology().DeadLetter.Queue)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
node: indexer-7
amqp:
  url: amqp://u:p@mq:5672/
log:
  level: debug
accounts:
  queue: idx.accounts
  workers: 3
  relay:
    max_redeliveries: 0
rpc:
  timeout: 2s
`)
	cfg, src, err := loadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, src)

	assert.Equal(t, "indexer-7", cfg.Node)
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.AMQP.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "idx.accounts", cfg.Accounts.Queue)
	assert.Equal(t, 3, cfg.Accounts.Workers)
	assert.Equal(t, 2*time.Second, cfg.RPC.Timeout)
	assert.Zero(t, cfg.Accounts.RelayPolicy().MaxRedeliveries)

	// 未出现的字段保留默认值
	assert.Equal(t, "chain.accounts", cfg.Accounts.Exchange)
	assert.Equal(t, 64, cfg.Accounts.Prefetch)
	assert.Equal(t, "xindex.slots", cfg.Slots.Queue)
	assert.Equal(t, 30*time.Second, cfg.StatsInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.AMQP.URL = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero capacity", func(c *Config) { c.Writer.Capacity = 0 }},
		{"unknown backend", func(c *Config) { c.Writer.Backend = "disk" }},
		{"redis without addr", func(c *Config) { c.Writer.Backend = "redis"; c.Writer.Redis.Addr = "" }},
		{"empty status", func(c *Config) { c.RPC.Status = "" }},
		{"zero leaf", func(c *Config) { c.Backfill.LeafSize = 0 }},
		{"empty queue", func(c *Config) { c.Slots.Queue = "" }},
		{"negative redeliveries", func(c *Config) { c.Accounts.Relay.MaxRedeliveries = -1 }},
		{"shared queue", func(c *Config) { c.Slots.Queue = c.Accounts.Queue }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errInvalidConfig)
		})
	}
}

func TestRelayPolicyBackoff(t *testing.T) {
	cc := ConsumerConfig{Relay: RelayConfig{MaxRedeliveries: 2, Delay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}}
	p := cc.RelayPolicy()
	require.NotNil(t, p.Backoff)
	assert.LessOrEqual(t, p.Backoff.NextDelay(10), 20*time.Millisecond)

	assert.Nil(t, ConsumerConfig{}.RelayPolicy().Backoff)
}

func TestBuildLogger(t *testing.T) {
	l, cleanup, err := buildLogger(LogConfig{Level: "warn", Format: "json", File: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	defer func() { assert.NoError(t, cleanup()) }()
	assert.Equal(t, "WARN", l.GetLevel().String())

	_, _, err = buildLogger(LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestRenderConfig(t *testing.T) {
	var buf bytes.Buffer
	renderConfig(&buf, defaultConfig())
	out := buf.String()
	assert.Contains(t, out, "guest:***@localhost")
	assert.NotContains(t, out, "guest:guest")
	assert.Contains(t, out, "xindex.slots.dlq")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "amqp://u:***@h:5672/", redactURL("amqp://u:secret@h:5672/"))
	assert.Equal(t, "amqp://h:5672/", redactURL("amqp://h:5672/"))
	assert.Equal(t, "not a url", redactURL("not a url"))
}

func TestRunExitCodes(t *testing.T) {
	bad := writeConfig(t, "log:\n  level: loud\n")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"config ok", []string{"xindexer", "config"}, 0},
		{"invalid config", []string{"xindexer", "-c", bad, "config"}, 2},
		{"missing config file", []string{"xindexer", "-c", filepath.Join(t.TempDir(), "none.yaml"), "config"}, 2},
		{"backfill missing args", []string{"xindexer", "backfill", "1"}, 2},
		{"backfill reversed", []string{"xindexer", "backfill", "9", "1"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}
