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
	t.Setenv("GATE_AUTH_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "esp32c3", cfg.MQTT.CardTopic)
	assert.Equal(t, "esp32cam", cfg.MQTT.CameraTopic)
	assert.Equal(t, 5, cfg.Inference.DetectionAttempts)
	assert.Equal(t, 3, cfg.Inference.ReadingAttempts)
	assert.Equal(t, "License_Plate", cfg.Inference.PlateLabel)
	assert.InDelta(t, 20.0, cfg.Inference.CenterTolerance, 1e-9)
	assert.Equal(t, 600, cfg.Inference.MinReadWidth)
	assert.Equal(t, 3, cfg.Camera.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Camera.RetryDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.Jobs.CleanupDelay)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("GATE_AUTH_JWT_SECRET", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
mqtt:
  broker: tcp://broker.local:1883
  qos: 2
camera:
  retry_delay: 250ms
inference:
  detection_attempts: 7
`), 0o600))

	t.Setenv("GATE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("GATE_MQTT_BROKER", "tcp://override:1883")
	t.Setenv("GATE_BACKEND_EMAIL", "guard@example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "tcp://override:1883", cfg.MQTT.Broker)
	assert.EqualValues(t, 2, cfg.MQTT.QoS)
	assert.Equal(t, 250*time.Millisecond, cfg.Camera.RetryDelay)
	assert.Equal(t, 7, cfg.Inference.DetectionAttempts)
	assert.Equal(t, "guard@example.com", cfg.Backend.Email)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("GATE_AUTH_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.MQTT.QoS = 3
	cfg.Camera.Attempts = 0
	cfg.Database.Enabled = true
	cfg.Database.DSN = ""
	cfg.Auth.JWTSecret = ""

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.qos")
	assert.Contains(t, err.Error(), "camera.attempts")
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}
