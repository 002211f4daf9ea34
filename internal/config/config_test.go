package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ordergate/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
app:
  env: test
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, ":9990", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Heartbeat)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/ordergate.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.UID.Backend)
	assert.Equal(t, uint64(1000), cfg.UID.BlockSize)
	assert.True(t, cfg.Venue.Simulated)
	assert.Equal(t, 5, cfg.Venue.Circuit.Threshold)
	assert.True(t, cfg.Matcher.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Matcher.MatchTimeout)

	m, ok := cfg.MarketDatabase().Lookup("TSX")
	require.True(t, ok)
	assert.Equal(t, "XTSE", m.Code)
}

func TestLoad_IncludesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "accounts.yaml", `
accounts:
  users:
    - name: alice
      token: a-token
    - name: bob
      token: b-token
    - name: ops
      token: o-token
      admin: true
  groups:
    - name: desk
      managers: [bob]
      traders: [alice]
`)
	writeFile(t, dir, "markets.yaml", `
markets:
  - code: XTSE
    display_name: TSX
    country: 124
    currency: CAD
    destination: TSX
destinations:
  XTSE: ALPHA
matcher:
  enabled: true
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - accounts.yaml
  - markets.yaml
http:
  addr: ":8080"
  rate_limit: 5
venue:
  latency: 25ms
  circuit:
    cooldown: 1m
matcher:
  enabled: false
uid:
  backend: local
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5.0, cfg.HTTP.RateLimit)
	assert.Equal(t, 25*time.Millisecond, cfg.Venue.Latency)
	assert.Equal(t, time.Minute, cfg.Venue.Circuit.Cooldown)
	assert.False(t, cfg.Matcher.Enabled, "the including file wins")
	assert.Equal(t, "local", cfg.UID.Backend)

	require.Len(t, cfg.Accounts.Users, 3)
	assert.True(t, cfg.Accounts.Users[2].Admin)
	require.Len(t, cfg.Accounts.Groups, 1)
	assert.Equal(t, []string{"alice"}, cfg.Accounts.Groups[0].Traders)
	assert.Equal(t, map[string]string{"XTSE": "ALPHA"}, cfg.Destinations)

	markets := cfg.MarketDatabase()
	m, ok := markets.Lookup("TSX")
	require.True(t, ok)
	assert.Equal(t, security.CountryCA, m.Country)
	_, ok = markets.Lookup("XNAS")
	assert.False(t, ok, "configured markets replace the built-in ones")
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_Validation(t *testing.T) {
	tests := map[string]string{
		"bad log format":  "app:\n  log_format: xml\n",
		"bad session":     "app:\n  session_start: noon\n",
		"bad driver":      "database:\n  driver: oracle\n",
		"postgres no db":  "database:\n  driver: postgres\n",
		"redis no addr":   "uid:\n  backend: redis\n",
		"unknown backend": "uid:\n  backend: snowflake\n",
		"duplicate user":  "accounts:\n  users:\n    - name: a\n    - name: a\n",
		"shared token":    "accounts:\n  users:\n    - {name: a, token: t}\n    - {name: b, token: t}\n",
		"unknown member":  "accounts:\n  users:\n    - name: a\n  groups:\n    - {name: g, managers: [z]}\n",
		"profiling addr":  "profiling:\n  enabled: true\n",
		"dest no market":  "markets:\n  - code: XTSE\ndestinations:\n  XNAS: X\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSessionStartAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

	start, err := AppConfig{}.SessionStartAt(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)

	start, err = AppConfig{SessionStart: "09:30"}.SessionStartAt(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), start)

	start, err = AppConfig{SessionStart: "20:00"}.SessionStartAt(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 20, 0, 0, 0, time.UTC), start, "a later start belongs to the previous day")
}

func TestPath(t *testing.T) {
	t.Setenv(EnvPath, "")
	assert.Equal(t, "configs/config.yaml", Path())
	t.Setenv(EnvPath, "/etc/ordergate.yaml")
	assert.Equal(t, "/etc/ordergate.yaml", Path())
}
