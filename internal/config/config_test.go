package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	os.Unsetenv("SYNCLITE_STORAGE_DATA_DIR")
	os.Unsetenv("SYNCLITE_API_PORT")

	cfg := LoadConfig()

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 5984, cfg.API.Port)
	assert.Empty(t, cfg.Events.NatsURL)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	t.Setenv("SYNCLITE_STORAGE_DATA_DIR", "/tmp/synclite")
	t.Setenv("SYNCLITE_API_PORT", "9090")
	t.Setenv("SYNCLITE_EVENTS_NATS_URL", "nats://localhost:4222")

	cfg := LoadConfig()

	assert.Equal(t, "/tmp/synclite", cfg.Storage.DataDir)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NatsURL)
}

func TestLoadConfig_FileOverride(t *testing.T) {
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(prev)

	require.NoError(t, os.Mkdir("config", 0o755))
	require.NoError(t, os.WriteFile("config/config.yml", []byte(`
storage:
  data_dir: "/srv/synclite"
api:
  port: 7070
`), 0o644))

	cfg := LoadConfig()

	assert.Equal(t, "/srv/synclite", cfg.Storage.DataDir)
	assert.Equal(t, 7070, cfg.API.Port)
}

func TestLoadConfig_LocalFileOverride(t *testing.T) {
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(prev)

	require.NoError(t, os.Mkdir("config", 0o755))
	require.NoError(t, os.WriteFile("config/config.yml", []byte(`
api:
  port: 7070
`), 0o644))
	require.NoError(t, os.WriteFile("config/config.local.yml", []byte(`
api:
  port: 7071
`), 0o644))

	cfg := LoadConfig()

	assert.Equal(t, 7071, cfg.API.Port)
}
