package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirForTest(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Worker.Interval())
	assert.True(t, cfg.Worker.AutoStart)
	assert.Equal(t, "localhost", cfg.SMTP.DefaultRelay.Host)
	assert.Equal(t, 1025, cfg.SMTP.DefaultRelay.Port)
	assert.Equal(t, 30*time.Second, cfg.SMTP.CommandTimeout)
	assert.Empty(t, cfg.SMTP.Senders)
	assert.Equal(t, []string{"*"}, cfg.WebSocket.AllowedOrigins)
	assert.Empty(t, cfg.Notify.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Notify.PublishTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("MAILQUEUE_WORKER_MAX_ATTEMPTS", "5")
	t.Setenv("MAILQUEUE_WORKER_SECONDS_BETWEEN_LOOPS", "1")
	t.Setenv("MAILQUEUE_NOTIFY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MAILQUEUE_NOTIFY_PUBLISH_TIMEOUT", "250ms")
	t.Setenv("MAILQUEUE_SMTP_SENDERS", `[{"address":"News@X.com","host":"smtp.x.com","password":"pw"}]`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Worker.Interval())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Notify.PublishTimeout)

	sc, ok := cfg.SMTP.Sender("news@x.com")
	require.True(t, ok)
	assert.Equal(t, "smtp.x.com", sc.Host)
	assert.Equal(t, 587, sc.Port)
	assert.Equal(t, "pw", sc.Password)

	_, ok = cfg.SMTP.Sender("other@x.com")
	assert.False(t, ok)
}

func TestLoad_YAMLSenders(t *testing.T) {
	dir := t.TempDir()
	chdirForTest(t, dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  max_attempts: 4
smtp:
  senders:
    - address: a@x.com
      host: relay.x.com
      port: 2525
      password: secret
      starttls: true
`), 0o600))
	t.Setenv("MAILQUEUE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.MaxAttempts)
	require.Len(t, cfg.SMTP.Senders, 1)
	assert.Equal(t, SenderConfig{
		Address:  "a@x.com",
		Host:     "relay.x.com",
		Port:     2525,
		Password: "secret",
		StartTLS: true,
	}, cfg.SMTP.Senders[0])
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"zero attempts":         {"MAILQUEUE_WORKER_MAX_ATTEMPTS": "0"},
		"zero interval":         {"MAILQUEUE_WORKER_SECONDS_BETWEEN_LOOPS": "0"},
		"postgres without dsn":  {"MAILQUEUE_DATABASE_DRIVER": "postgres"},
		"unknown driver":        {"MAILQUEUE_DATABASE_DRIVER": "sqlite"},
		"bad senders json":      {"MAILQUEUE_SMTP_SENDERS": "[{"},
		"sender without host":   {"MAILQUEUE_SMTP_SENDERS": `[{"address":"a@x.com"}]`},
		"bad lifetime duration": {"MAILQUEUE_DATABASE_CONN_MAX_LIFETIME": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			chdirForTest(t, t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
