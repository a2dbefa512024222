package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
import:
  lookback_days: 0
  lookahead_days: 30
  retention_days: 0
  fetch_timeout: 5s
teams:
  - id: " u17 "
    ics_url: https://calendar.example/u17.ics
    timezone: Europe/Paris
    schedule: "*/30 * * * *"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 30, cfg.Import.LookaheadDays)
	assert.Equal(t, 0, cfg.Import.LookbackDays)
	assert.Equal(t, 0, cfg.Import.RetentionDays)
	assert.Equal(t, 5*time.Second, cfg.Import.FetchTimeout)
	assert.Equal(t, 10000, cfg.Import.MaxIterations)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)

	team, ok := cfg.Team("u17")
	require.True(t, ok)
	assert.Equal(t, "Europe/Paris", team.Timezone)
	_, ok = cfg.Team("u19")
	assert.False(t, ok)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("teams: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Teams = append(cfg.Teams, TeamConfig{ID: "u15", ICSURL: "https://x/u15.ics"})
	cfg.BasicAuth = &BasicAuthConfig{Username: "coach", Password: "secret"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvStoreDriver: "Postgres",
		EnvStoreDSN:    "postgres://coachcal@db/coachcal?sslmode=disable",
		EnvLogLevel:    "debug",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, env[EnvStoreDSN], cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Import.LookbackDays = -1
	cfg.Import.MaxIterations = -5
	cfg.Import.DefaultTimezone = "Mars/Olympus"
	cfg.Store.Driver = "mysql"
	cfg.Teams = []TeamConfig{{ID: "u17"}, {ID: "u17"}, {ID: ""}, {ID: "u19", Timezone: "Nowhere"}}
	cfg.BasicAuth = &BasicAuthConfig{}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"lookback_days", "max_iterations", "default_timezone", "store.driver",
		"duplicate id", "id is empty", "teams[3] (u19)", "basic_auth",
	} {
		assert.Contains(t, err.Error(), want)
	}

	mem := DefaultConfig()
	mem.Store = StoreConfig{Driver: DriverMemory}
	assert.NoError(t, mem.Validate())

	short := DefaultConfig()
	short.Import.LookbackDays = 3
	short.Import.RetentionDays = 2
	assert.ErrorContains(t, short.Validate(), "must not be shorter than import.lookback_days")

	pg := DefaultConfig()
	pg.Store = StoreConfig{Driver: DriverPostgres}
	assert.ErrorContains(t, pg.Validate(), "store.dsn")
}
