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
	t.Chdir(t.TempDir()) // no stray .env

	cfg := Load()
	assert.Equal(t, StoreBadger, cfg.StoreDriver)
	assert.Equal(t, SenderHTTP, cfg.Sender)
	assert.Equal(t, 15*time.Second, cfg.SendTimeout)
	assert.Equal(t, cfg.IngestURL, cfg.ProbeURL)
	assert.Equal(t, 3, cfg.RejectAlertThreshold)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter)
	assert.Equal(t, time.Minute, cfg.RecoverInterval)
	assert.Equal(t, "field.events.ingest", cfg.AMQPQueue)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ClampsAndOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SEND_TIMEOUT_SEC", "9999")
	t.Setenv("RETRY_MIN_SEC", "60")
	t.Setenv("RETRY_MAX_SEC", "10")
	t.Setenv("REJECT_ALERT_THRESHOLD", "0")
	t.Setenv("STORE_DRIVER", "POSTGRES")
	t.Setenv("SENDER", "amqp")
	t.Setenv("PROBE_INTERVAL_SEC", "not-a-number")

	cfg := Load()
	assert.Equal(t, MaxSendTimeout, cfg.SendTimeout)
	assert.Equal(t, time.Minute, cfg.RetryMin)
	assert.Equal(t, time.Minute, cfg.RetryMax)
	assert.Equal(t, 1, cfg.RejectAlertThreshold)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, SenderAMQP, cfg.Sender)
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoad_StaleAfterOutlivesASend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SEND_TIMEOUT_SEC", "30")
	t.Setenv("STALE_AFTER_SEC", "5")
	t.Setenv("RECOVER_INTERVAL_SEC", "0")

	cfg := Load()
	assert.Equal(t, 70*time.Second, cfg.StaleAfter)
	assert.Equal(t, MinStaleAfter(cfg.SendTimeout), cfg.StaleAfter)
	assert.Equal(t, time.Second, cfg.RecoverInterval)

	t.Setenv("STALE_AFTER_SEC", "900")
	assert.Equal(t, 15*time.Minute, Load().StaleAfter)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INGEST_URL=https://ingest.example/v1/events\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("INGEST_URL") })

	// godotenv never overrides variables that are already set
	t.Setenv("INGEST_TOKEN", "from-env")

	cfg := Load()
	assert.Equal(t, "https://ingest.example/v1/events", cfg.IngestURL)
	assert.Equal(t, "from-env", cfg.IngestToken)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			StoreDriver:   StoreBadger,
			StorePath:     "/tmp/q",
			Sender:        SenderHTTP,
			IngestURL:     "http://x",
			ProbeInterval: time.Second,
		}
	}

	require.NoError(t, base().Validate())

	c := base()
	c.StoreDriver = "sqlite"
	assert.ErrorContains(t, c.Validate(), "STORE_DRIVER")

	c = base()
	c.Sender = "carrier-pigeon"
	assert.ErrorContains(t, c.Validate(), "SENDER")

	c = base()
	c.IngestURL = ""
	assert.ErrorContains(t, c.Validate(), "INGEST_URL")
}
