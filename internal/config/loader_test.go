package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaca/internal/client"
	"vaca/internal/satellite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `home_assistant:
  url: "http://homeassistant.local:8123"
  token: "file-token"
api_port: 9090
satellites:
  - id: kitchen
    name: "Kitchen Tablet"
    host: 192.168.1.50
    port: 10800
    pipeline: "01hxyz"
    settings_push: after
    after_hook: always
    reconnect_delay: 15s
    settings:
      mic_gain: 20
      wake_word: "ok nabu"
  - id: office
    host: 192.168.1.51
`

func setupTestConfigDir(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(content), 0644)
	require.NoError(t, err)
	return tmpDir
}

func newTestLoader(t *testing.T, content string, env map[string]string) *Loader {
	logger, _ := zap.NewDevelopment()
	loader := NewLoader(setupTestConfigDir(t, content), logger)
	loader.getenv = func(key string) string { return env[key] }
	return loader
}

func TestLoader_Load(t *testing.T) {
	cfg, err := newTestLoader(t, sampleConfig, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://homeassistant.local:8123", cfg.HomeAssistant.URL)
	assert.Equal(t, "file-token", cfg.HomeAssistant.Token)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, DefaultFFmpeg, cfg.FFmpeg)
	require.Len(t, cfg.Satellites, 2)

	kitchen := cfg.Satellites[0]
	assert.Equal(t, "kitchen", kitchen.ID)
	assert.Equal(t, "Kitchen Tablet", kitchen.Name)
	assert.Equal(t, 10800, kitchen.Port)
	assert.Equal(t, 15*time.Second, kitchen.ReconnectDelay)
	assert.Equal(t, 20, kitchen.Settings["mic_gain"])
	assert.Equal(t, "ok nabu", kitchen.Settings["wake_word"])

	office := cfg.Satellites[1]
	assert.Equal(t, "office", office.Name, "name defaults to id")
	assert.Equal(t, DefaultSatellitePort, office.Port)
}

func TestLoader_EnvOverrides(t *testing.T) {
	cfg, err := newTestLoader(t, sampleConfig, map[string]string{
		"HA_URL":   "https://ha.example.com",
		"HA_TOKEN": "env-token",
		"API_PORT": "8181",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, "https://ha.example.com", cfg.HomeAssistant.URL)
	assert.Equal(t, "env-token", cfg.HomeAssistant.Token)
	assert.Equal(t, 8181, cfg.APIPort)
}

func TestLoader_InvalidAPIPortEnv(t *testing.T) {
	_, err := newTestLoader(t, sampleConfig, map[string]string{"API_PORT": "eighty"}).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	loader := NewLoader(t.TempDir(), logger)

	_, err := loader.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_InvalidYAML(t *testing.T) {
	_, err := newTestLoader(t, "satellites: [unclosed", nil).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HomeAssistant: HomeAssistantConfig{URL: "http://ha:8123", Token: "t"},
			APIPort:       8080,
			Satellites:    []SatelliteConfig{{ID: "kitchen", Host: "10.0.0.2", Port: 10700}},
		}
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		errContains string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.HomeAssistant.URL = "" }, "home_assistant.url"},
		{"missing token", func(c *Config) { c.HomeAssistant.Token = "" }, "home_assistant.token"},
		{"bad api port", func(c *Config) { c.APIPort = 70000 }, "api_port"},
		{"no satellites", func(c *Config) { c.Satellites = nil }, "at least one satellite"},
		{"missing id", func(c *Config) { c.Satellites[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *Config) { c.Satellites = append(c.Satellites, c.Satellites[0]) }, "duplicate"},
		{"missing host", func(c *Config) { c.Satellites[0].Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Satellites[0].Port = 0 }, "port 0"},
		{"negative delay", func(c *Config) { c.Satellites[0].ReconnectDelay = -time.Second }, "reconnect_delay"},
		{"bad settings push", func(c *Config) { c.Satellites[0].SettingsPush = "both" }, "settings push"},
		{"bad after hook", func(c *Config) { c.Satellites[0].AfterHook = "never" }, "after-hook"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestSatelliteConfig_SatelliteOptions(t *testing.T) {
	cfg, err := newTestLoader(t, sampleConfig, nil).Load()
	require.NoError(t, err)

	opts, err := cfg.Satellites[0].SatelliteOptions()
	require.NoError(t, err)
	assert.Equal(t, "kitchen", opts.ID)
	assert.Equal(t, "192.168.1.50", opts.Host)
	assert.Equal(t, 10800, opts.Port)
	assert.Equal(t, "01hxyz", opts.PipelineID)
	assert.Equal(t, satellite.PushAfterRunSatellite, opts.SettingsPush)
	assert.Equal(t, client.AlwaysRunAfterHook, opts.AfterHook)
	assert.Equal(t, 15*time.Second, opts.ReconnectDelay)

	opts, err = cfg.Satellites[1].SatelliteOptions()
	require.NoError(t, err)
	assert.Equal(t, satellite.PushBeforeRunSatellite, opts.SettingsPush)
	assert.Equal(t, client.SkipAfterHookOnError, opts.AfterHook)
}
