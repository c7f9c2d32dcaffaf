package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Survival-Chain/internal/auth"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "survival.yaml", `
server:
  address: ":9090"
storage:
  driver: sqlite
  sql:
    dsn: agents.db
cycle:
  enabled: true
  workers: 8
  oracle_timeout: 45s
economy:
  auto_approve: true
alerting:
  log: true
  webhook_url: http://hooks.local/alert
auth:
  mode: jwt
  jwt:
    secret: s3cret
  controllers:
    - username: alice
      password: pw
      permissions: ["*"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Storage.SQL.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "agents.db"), cfg.Storage.SQL.DSN)
	assert.Equal(t, 8, cfg.Cycle.Workers)
	assert.Equal(t, 45*time.Second, cfg.Cycle.OracleTimeout)
	assert.True(t, cfg.Economy.AutoApprove)
	assert.True(t, cfg.Alerting.Log)
	assert.Equal(t, "http://hooks.local/alert", cfg.Alerting.WebhookURL)
	assert.Equal(t, 5*time.Second, cfg.Alerting.Timeout)
	assert.Equal(t, auth.ModeJWT, cfg.Auth.Mode)
	require.Len(t, cfg.Auth.Controllers, 1)
	assert.Equal(t, "alice", cfg.Auth.Controllers[0].Username)
}

func TestLoadJSONAcceptsDurations(t *testing.T) {
	path := writeFile(t, "survival.json", `{
  "cycle": {"oracle_timeout": "2m", "schedule": "@every 30s"},
  "reaper": {"enabled": true}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cycle.OracleTimeout)
	assert.Equal(t, "@every 30s", cfg.Cycle.Schedule)
	assert.True(t, cfg.Reaper.Enabled)
	assert.Equal(t, "1m", cfg.Reaper.Schedule)
}

func TestDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := Default("/srv/survival")

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Lock.Driver)
	assert.Equal(t, "memory", cfg.Cycle.Queue)
	assert.Equal(t, 3, cfg.Cycle.MaxRequests)
	assert.Equal(t, 90*time.Second, cfg.Cycle.OracleTimeout)
	assert.Equal(t, "1", cfg.Economy.GenesisGrant)
	assert.Equal(t, auth.ModeDisabled, cfg.Auth.Mode)
	assert.Equal(t, "sk-env", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, "/srv/survival/data", cfg.Runtime.DataDir)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "survival.toml", "x = 1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "survival.yaml", "unknown_section: true"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/survival.yaml")
	assert.Equal(t, "/etc/survival.yaml", Path(""))
	assert.Equal(t, "local.yaml", Path("local.yaml"))
}
