package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.RetryDelay)
	assert.Equal(t, 72*time.Hour, cfg.Verification.CodeTTL)
	assert.Equal(t, "wastesync", cfg.Database.Name)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("COUCHDB_URL", "http://admin:pw@couch:5984")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("QUEUE_RETRY_DELAY", "250ms")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://admin:pw@couch:5984", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RetryDelay)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	t.Setenv("VERIFICATION_CODE_TTL", "three days")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VERIFICATION_CODE_TTL")
}

func TestLoadRefusesDefaultSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("WASTESYNC_TOKEN", "")
	_, err := LoadAgent()
	assert.Error(t, err, "token is required")

	t.Setenv("WASTESYNC_TOKEN", "tok")
	t.Setenv("WASTESYNC_ROLE", "recycler")
	t.Setenv("PROBE_INTERVAL", "5s")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "recycler", cfg.API.Role)
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.Recovery.Debounce)
}
