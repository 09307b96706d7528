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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, "http", cfg.Ledger.Backend)
	assert.Equal(t, int64(1), cfg.Ledger.UnitCost)
	assert.Equal(t, "16k_zh", cfg.Speech.EngineProfile)
	assert.Equal(t, "wav", cfg.Speech.Format)
	assert.Equal(t, 10, cfg.AI.HistoryLimit)
	assert.Nil(t, cfg.AI.Temperature)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "9090"
session:
  idle_threshold: 10m
ledger:
  backend: redis
  redis_addr: "127.0.0.1:6380"
stats:
  backend: sqlite
`), 0o600))

	t.Setenv("GATEWAY_SESSION_SWEEP_INTERVAL", "30s")
	t.Setenv("GATEWAY_TIMEOUTS_TRANSCRIBE", "12s")
	t.Setenv("ARK_API_KEY", "ark-key")
	t.Setenv("Model", "doubao-pro")
	t.Setenv("ARK_TEMPERATURE", "0.3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval)
	assert.Equal(t, 12*time.Second, cfg.Timeouts.Transcribe)
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, "127.0.0.1:6380", cfg.Ledger.RedisAddr)
	assert.Equal(t, "sqlite", cfg.Stats.Backend)

	assert.Equal(t, "ark-key", cfg.AI.APIKey)
	assert.Equal(t, "doubao-pro", cfg.AI.Model)
	require.NotNil(t, cfg.AI.Temperature)
	assert.InDelta(t, 0.3, *cfg.AI.Temperature, 1e-9)
	assert.True(t, cfg.AI.Enabled())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GATEWAY_LEDGER_BACKEND", "postgres")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.backend")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"":               ":8080",
		"8081":           ":8081",
		":8082":          ":8082",
		"127.0.0.1:8083": "127.0.0.1:8083",
	}
	for in, want := range cases {
		got, err := normalizeAddr(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := normalizeAddr("80 80")
	assert.Error(t, err)
}

func TestAIConfigEnabled(t *testing.T) {
	assert.True(t, AIConfig{Provider: "openai", OpenAIKey: "sk"}.Enabled())
	assert.False(t, AIConfig{Provider: "openai"}.Enabled())
	assert.False(t, AIConfig{Provider: "none", APIKey: "k", Model: "m"}.Enabled())
	assert.True(t, AIConfig{Model: "m", AccessKey: "ak", SecretKey: "sk"}.Enabled())
}

func TestSpeechConfigToModel(t *testing.T) {
	m := SpeechConfig{Engine: "volcengine", AppID: "app", APIKey: "key", EngineProfile: "8k_en"}.ToModel()
	assert.Equal(t, "key", m.AccessToken)
	assert.Equal(t, "8k_en", m.EngineProfile)

	m = SpeechConfig{AppID: "app", AccessToken: "tok", APIKey: "key"}.ToModel()
	assert.Equal(t, "app", m.AppID)
	assert.Equal(t, "tok", m.AccessToken)
}
