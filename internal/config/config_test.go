package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "bikenotify/pkg/logx"
)

const sampleYAML = `
environment: production
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ${BN_DATA_DIR:-/var/lib/bikenotify}/bikenotify.db
reminders:
  enabled: true
  schedule: "08:30"
  timezone: Europe/Berlin
delivery:
  workers: 5
  poll_interval: 5s
  max_attempts: 3
password_reset:
  link_base_url: https://bikes.example/reset
  token_ttl: 1h
mail:
  driver: smtp
  from: Bike Service <service@bikes.example>
  smtp:
    host: ${BN_SMTP_HOST}
    port: 587
http:
  addr: ":8080"
  ops_secret: ${BN_OPS_SECRET}
`

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("BN_SMTP_HOST", "mx.example")
	t.Setenv("BN_OPS_SECRET", "s3cret")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.StartupScan())
	assert.Equal(t, "/var/lib/bikenotify/bikenotify.db", cfg.Storage.Path)
	assert.Equal(t, "mx.example", cfg.Mail.SMTP.Host)
	assert.Equal(t, "s3cret", cfg.HTTP.OpsSecret)
	assert.Equal(t, "08:30", cfg.Reminders.Schedule)
	assert.Equal(t, 5, cfg.Delivery.Workers)
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"environment":"dev","bogus":1}`))
	assert.Error(t, err)

	_, err = Decode("config.json", []byte(`{"environment":"dev"}{"environment":"prod"}`))
	assert.Error(t, err)

	cfg, err := Decode("config.json", []byte(`{"environment":"dev","reminders":{"run_on_startup":false}}`))
	require.NoError(t, err)
	assert.False(t, cfg.StartupScan())
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Setenv("BN_X", "x")
	got := string(expandEnv([]byte(`a=${BN_X} b=$2a$10$abc c=${BN_MISSING} d=${BN_MISSING:-dflt}`)))
	assert.Equal(t, `a=x b=$2a$10$abc c= d=dflt`, got)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("BN_DOTENV_TEST=from-file\n"), 0o600))
	t.Setenv("BN_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("BN_DOTENV_TEST"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), p))
	assert.Equal(t, "from-file", os.Getenv("BN_DOTENV_TEST"))
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Storage:   StorageConfig{Driver: "sqlite"},
		Reminders: RemindersConfig{Enabled: true, Schedule: "whenever", Timezone: "Mars/Olympus"},
		Delivery:  DeliveryConfig{PollInterval: "soon", RetryJitter: 2},
		Mail:      MailConfig{Driver: "pigeon"},
		PasswordReset: PasswordResetConfig{
			LinkBaseURL: "/relative",
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"logging.level", "storage.path", "reminders.schedule", "reminders.timezone",
		"delivery.poll_interval", "delivery.retry_jitter", "mail.driver", "password_reset.link_base_url",
	} {
		assert.Contains(t, err.Error(), want)
	}

	assert.NoError(t, Validate(&Config{}))
}

func TestDuration(t *testing.T) {
	d, err := Duration("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = Duration("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = Duration("x", "-1s", 0)
	assert.Error(t, err)
	assert.Equal(t, time.Minute, MustDuration("bad", time.Minute))
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Telegram: TelegramConfig{Token: "a"}}
	hot := *old
	hot.Logging.Level = "debug"

	changed, _ := SummarizeConfigChange(old, &hot)
	assert.Equal(t, []string{"logging"}, changed)
	assert.False(t, RestartRequired(changed))

	cold := hot
	cold.Telegram.Token = "b"
	changed, attrs := SummarizeConfigChange(old, &cold)
	assert.Equal(t, []string{"logging", "telegram"}, changed)
	assert.True(t, RestartRequired(changed))
	assert.NotEmpty(t, attrs)
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and the old config stays.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"shout"}}`), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "info", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
