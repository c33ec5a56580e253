package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup at a fresh directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("LEDGERSYNC_CONFIG", "")
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	isolate(t)
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	dir := isolate(t)

	s, err := Open("")
	require.NoError(t, err)
	assert.Empty(t, s.File())

	c := s.Config()
	assert.Equal(t, DriverNone, c.Remote.Driver)
	assert.Equal(t, 50, c.Sync.BatchSize)
	assert.Equal(t, "@every 30s", c.Sync.Schedule)
	assert.Equal(t, []string{"amount", "currency"}, c.Conflict.ProtectedFields)
	assert.False(t, c.Conflict.AutoResolve)
	assert.Equal(t, filepath.Join(dir, "data", "ledgersync", "ledger.db"), c.Ledger.Path)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
[ledger]
path = "/tmp/books.db"

[remote]
driver = "postgres"
host = "db.internal"
database = "books"
user = "ledger"
timeout = "3s"

[sync]
batch_size = 10
backoff_base = "1s"
backoff_max = "1m"
schedule = "*/5 * * * *"

[conflict]
auto_resolve = true
protected_fields = ["amount"]

[validation]
extra_currencies = ["XTS"]
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/books.db", c.Ledger.Path)
	assert.Equal(t, DriverPostgres, c.Remote.Driver)
	assert.Equal(t, "db.internal", c.Remote.Host)
	assert.Equal(t, 5432, c.Remote.Port)
	assert.Equal(t, 3*time.Second, c.Remote.Timeout)
	assert.Equal(t, 10, c.Sync.BatchSize)
	assert.Equal(t, time.Second, c.Sync.BackoffBase)
	assert.Equal(t, time.Minute, c.Sync.BackoffMax)
	assert.Equal(t, "*/5 * * * *", c.Sync.Schedule)
	assert.True(t, c.Conflict.AutoResolve)
	assert.Equal(t, []string{"amount"}, c.Conflict.ProtectedFields)
	assert.Equal(t, []string{"XTS"}, c.Validation.ExtraCurrencies)

	policy := c.Sync.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BackoffBase)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[sync]\nbatch_size = 10\n")
	t.Setenv("LEDGERSYNC_SYNC_BATCH_SIZE", "25")
	t.Setenv("LEDGERSYNC_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, c.Sync.BatchSize)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[sync]\npull_limit = 7\n")
	t.Setenv("LEDGERSYNC_CONFIG", path)

	s, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, path, s.File())
	assert.Equal(t, 7, s.Config().Sync.PullLimit)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[remote]\ndriver = \"postgres\"\ndatabase = \"books\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LEDGERSYNC_REMOTE_PASSWORD=s3cret\nLEDGERSYNC_REMOTE_USER=from-dotenv\n"), 0o600))

	// Registered for cleanup, then removed so .env can supply them.
	t.Setenv("LEDGERSYNC_REMOTE_PASSWORD", "")
	require.NoError(t, os.Unsetenv("LEDGERSYNC_REMOTE_PASSWORD"))
	t.Setenv("LEDGERSYNC_REMOTE_USER", "from-env")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.Remote.Password)
	assert.Equal(t, "from-env", c.Remote.User, "set variables win over .env")
}

func TestLoad_Invalid(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[sync]\nbatch_size = 0\nschedule = \"whenever\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_size")
	assert.Contains(t, err.Error(), "sync.schedule")
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty ledger path", func(c *Config) { c.Ledger.Path = " " }, "ledger.path"},
		{"unknown driver", func(c *Config) { c.Remote.Driver = "mysql" }, "remote.driver"},
		{"postgres without target", func(c *Config) {
			c.Remote.Driver = DriverPostgres
			c.Remote.Database = ""
		}, "remote.url"},
		{"zero timeout", func(c *Config) { c.Remote.Timeout = 0 }, "remote.timeout"},
		{"huge batch", func(c *Config) { c.Sync.BatchSize = 5000 }, "sync.batch_size"},
		{"no attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, "sync.max_attempts"},
		{"backoff max below base", func(c *Config) { c.Sync.BackoffMax = time.Millisecond }, "sync.backoff_max"},
		{"bad schedule", func(c *Config) { c.Sync.Schedule = "sometimes" }, "sync.schedule"},
		{"zero pull limit", func(c *Config) { c.Sync.PullLimit = 0 }, "sync.pull_limit"},
		{"unknown protected field", func(c *Config) { c.Conflict.ProtectedFields = []string{"amount", "memo"} }, "conflict.protected_fields"},
		{"zero max amount", func(c *Config) { c.Validation.MaxAmountMinor = 0 }, "validation.max_amount_minor"},
		{"negative skew", func(c *Config) { c.Validation.FutureSkew = -time.Hour }, "validation.future_skew"},
		{"bad currency", func(c *Config) { c.Validation.ExtraCurrencies = []string{"EURO"} }, "validation.extra_currencies"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad dashboard port", func(c *Config) { c.Dashboard.Port = 70000 }, "dashboard.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nested", "config.toml")

	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path), "existing file is never overwritten")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[sync]")
	assert.Contains(t, string(data), `backoff_base = "2s"`)

	c, err := Load(path)
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Sync, c.Sync)
	assert.Equal(t, want.Remote, c.Remote)
	assert.Equal(t, want.Validation.FutureSkew, c.Validation.FutureSkew)
	assert.Equal(t, want.Conflict.ProtectedFields, c.Conflict.ProtectedFields)
}

func TestRedacted(t *testing.T) {
	c := Default()
	c.Remote.Password = "hunter2"
	c.Remote.URL = "postgres://ledger:hunter2@db:5432/books"

	r := c.Redacted()
	assert.Equal(t, "********", r.Remote.Password)
	assert.Equal(t, "postgres://ledger:********@db:5432/books", r.Remote.URL)
	assert.Equal(t, "hunter2", c.Remote.Password, "original untouched")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, r))
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "sync.schedule")
	assert.Contains(t, keys, "remote.password")
	assert.IsIncreasing(t, keys)
}

func TestSource_Watch(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "[sync]\nbatch_size = 10\n")

	s, err := Open(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.NoError(t, s.Watch(func(c *Config, err error) {
		if err != nil {
			return
		}
		select {
		case changes <- c:
		default:
		}
	}))

	// Give the watcher a moment to install before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nbatch_size = 77\n"), 0o600))

	// A truncating write can surface as more than one event.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Sync.BatchSize != 77 {
				continue
			}
			assert.Equal(t, 77, s.Config().Sync.BatchSize)
			return
		case <-timeout:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestSource_WatchWithoutFile(t *testing.T) {
	isolate(t)
	s, err := Open("")
	require.NoError(t, err)
	require.ErrorIs(t, s.Watch(func(*Config, error) {}), ErrNoConfigFile)
}
