package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OfferWindow)
	assert.Equal(t, 10*time.Second, cfg.OfferSweepInterval)
	assert.Equal(t, 25.0, cfg.PresenceMinDisplacementM)
	assert.False(t, cfg.AutoMatchEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OFFER_WINDOW", "200ms")
	t.Setenv("STORE", "memory")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("AUTO_MATCH_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.OfferWindow)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AutoMatchEnabled)
}

func TestLoadYAMLOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
offer_window: 45s
match_radius_km: 12.5
log_format: json
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9191")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Port, "env wins over file")
	assert.Equal(t, 45*time.Second, cfg.OfferWindow)
	assert.Equal(t, 12.5, cfg.MatchRadiusKM)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := defaults()
	cfg.Port = "abc"
	cfg.Store = "mongo"
	cfg.OfferWindow = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Contains(t, err.Error(), "unknown store")
	assert.Contains(t, err.Error(), "offer window")
}
