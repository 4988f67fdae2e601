package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxDeliveries)
	assert.Equal(t, 10*time.Minute, cfg.Browser.IdleTimeout)
	assert.Equal(t, 10000, cfg.LLM.TokenFloor)
	assert.Equal(t, 40000, cfg.LLM.TokenLowWatermark)
	assert.Equal(t, 30, cfg.Worker.MaxSteps)
	assert.Equal(t, 150000, cfg.Worker.TokenBudget)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9090
queue:
  max_deliveries: 5
  visibility_timeout: 2m
llm:
  model: claude-test
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Queue.MaxDeliveries)
	assert.Equal(t, 2*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "claude-test", cfg.LLM.Model)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: from-yaml:6379
`), 0o600))

	t.Setenv("WEBRUNNER_REDIS_ADDR", "from-env:6379")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.MaxDeliveries = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.VisibilityTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worker.MaxSteps = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LLM.TokenLowWatermark = cfg.LLM.TokenFloor - 1
	assert.Error(t, cfg.Validate())
}
