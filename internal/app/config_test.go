package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "torobias.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
postgres:
  dsn: postgres://torobias@localhost/torobias?sslmode=disable
provider:
  name: marketfeed
  base_url: https://feed.example.com
  timeout: 5s
  cache_ttl: 2h
server:
  tokens:
    tok-macro: macro_bot
`))
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(10000), cfg.Redis.StreamMaxLen)
	assert.Equal(t, 10, cfg.Postgres.MaxConns)
	assert.Equal(t, "config/factors.yaml", cfg.Registry)
	assert.Equal(t, outcome.DefaultMaxAgeDays, cfg.Outcome.MaxAgeDays)
	assert.Equal(t, outcome.StopFirst, cfg.Outcome.IntrabarPolicy)
	assert.Equal(t, "macro_bot", cfg.Server.Tokens["tok-macro"])

	built := cfg.Provider.Build()
	assert.Equal(t, "marketfeed", built.Name)
	assert.Equal(t, 5*time.Second, built.Timeout)
	assert.Equal(t, 2*time.Hour, built.CacheTTL)
}

func TestLoadConfigRequiresDSN(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
redis:
  addr: 127.0.0.1:6379
`))
	reason, ok := factor.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, factor.ReasonConfigInvalid, reason)
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
postgres:
  dsn: postgres://localhost/x
outcome:
  intrabar_policy: optimistic
`))
	reason, ok := factor.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, factor.ReasonConfigInvalid, reason)
}

func TestLoadConfigRejectsBadTimezone(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
postgres:
  dsn: postgres://localhost/x
timezone: Mars/Olympus
`))
	reason, ok := factor.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, factor.ReasonConfigInvalid, reason)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	reason, ok := factor.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, factor.ReasonConfigInvalid, reason)
}
