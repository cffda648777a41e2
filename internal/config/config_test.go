package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Router.EnableAudit)
	assert.True(t, cfg.Router.EnableAutoSwitch)
	assert.Equal(t, 3, cfg.Router.MaxRetries)
	assert.Equal(t, ".dccp/backups", cfg.Bridge.BackupDir)
	assert.Equal(t, 7, cfg.Bridge.RetentionDays)
	assert.Len(t, cfg.Nodes, 4)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dccp.yaml")
	body := `
server:
  port: "9090"
router:
  enable_audit: false
  max_retries: 1
nodes:
  - id: solo
    provider: OPENAI
    tier: v2.0
bridge:
  allowed_extensions: [".md"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.False(t, cfg.Router.EnableAudit)
	assert.True(t, cfg.Router.EnableAutoSwitch, "unset keys keep defaults")
	assert.Equal(t, 1, cfg.Router.MaxRetries)
	assert.Equal(t, 30000, cfg.Router.TimeoutMs)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "solo", cfg.Nodes[0].ID)
	assert.Equal(t, []string{".md"}, cfg.Bridge.AllowedExtensions)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DCCP_PORT":            "7000",
		"OPENAI_API_KEY":       "sk-test",
		"DCCP_ENABLE_AUDIT":    "false",
		"DCCP_MAX_RETRIES":     "5",
		"DCCP_ALLOWED_ORIGINS": "http://a,http://b",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Adapters.OpenAI.APIKey)
	assert.False(t, cfg.Router.EnableAudit)
	assert.Equal(t, 5, cfg.Router.MaxRetries)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Router.MaxRetries = -1
	cfg.Router.TimeoutMs = 0
	cfg.Bridge.AllowedExtensions = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
	assert.Contains(t, err.Error(), "timeout_ms")
	assert.Contains(t, err.Error(), "allowed_extensions")
}

func TestDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Router.Timeout().String())
	assert.Equal(t, "168h0m0s", cfg.Bridge.Retention().String())
	assert.Len(t, cfg.Bridge.PublishDelays(), 2)
}

func TestManager_UpdateRouter(t *testing.T) {
	m := NewManager(Default())

	var seen []RouterConfig
	m.OnRouterChange(func(r RouterConfig) { seen = append(seen, r) })

	off := false
	updated, err := m.UpdateRouter(RouterPatch{EnableAudit: &off})
	require.NoError(t, err)
	assert.False(t, updated.EnableAudit)
	assert.True(t, updated.EnableAutoSwitch)
	assert.False(t, m.Router().EnableAudit)
	require.Len(t, seen, 1)

	bad := -2
	_, err = m.UpdateRouter(RouterPatch{MaxRetries: &bad})
	assert.Error(t, err)
	assert.Equal(t, 3, m.Router().MaxRetries)
	assert.Len(t, seen, 1, "rejected patches do not notify")
}
