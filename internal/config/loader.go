package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"vaca/internal/client"
	"vaca/internal/satellite"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "config.yaml"

const (
	DefaultAPIPort       = 8080
	DefaultSatellitePort = 10700
	DefaultFFmpeg        = "ffmpeg"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// HomeAssistantConfig locates the Home Assistant instance.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SatelliteConfig describes one satellite device.
type SatelliteConfig struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Pipeline       string         `yaml:"pipeline"`
	SettingsPush   string         `yaml:"settings_push"`
	AfterHook      string         `yaml:"after_hook"`
	ReconnectDelay time.Duration  `yaml:"reconnect_delay"`
	Settings       map[string]any `yaml:"settings"`
}

// Config represents the config.yaml structure
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	FFmpeg        string              `yaml:"ffmpeg"`
	APIPort       int                 `yaml:"api_port"`
	Satellites    []SatelliteConfig   `yaml:"satellites"`
}

// Loader reads the configuration from a directory
type Loader struct {
	configDir string
	logger    *zap.Logger
	getenv    func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
		getenv:    os.Getenv,
	}
}

// Load reads config.yaml, applies environment overrides and defaults, and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	path := filepath.Join(l.configDir, FileName)
	l.logger.Info("Loading configuration", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("ha_url", cfg.HomeAssistant.URL),
		zap.Int("api_port", cfg.APIPort),
		zap.Int("satellites", len(cfg.Satellites)))
	return cfg, nil
}

// Parse decodes a config document without applying overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets HA_URL, HA_TOKEN and API_PORT override the file.
func (l *Loader) applyEnv(cfg *Config) error {
	if v := l.getenv("HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := l.getenv("HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := l.getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: API_PORT %q is not a number", ErrInvalidConfig, v)
		}
		cfg.APIPort = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.FFmpeg == "" {
		c.FFmpeg = DefaultFFmpeg
	}
	for i := range c.Satellites {
		sat := &c.Satellites[i]
		if sat.Port == 0 {
			sat.Port = DefaultSatellitePort
		}
		if sat.Name == "" {
			sat.Name = sat.ID
		}
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("%w: home_assistant.url is required", ErrInvalidConfig)
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("%w: home_assistant.token is required", ErrInvalidConfig)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("%w: api_port %d out of range", ErrInvalidConfig, c.APIPort)
	}
	if len(c.Satellites) == 0 {
		return fmt.Errorf("%w: at least one satellite is required", ErrInvalidConfig)
	}

	seen := make(map[string]bool)
	for i, sat := range c.Satellites {
		if sat.ID == "" {
			return fmt.Errorf("%w: satellites[%d].id is required", ErrInvalidConfig, i)
		}
		if seen[sat.ID] {
			return fmt.Errorf("%w: duplicate satellite id %q", ErrInvalidConfig, sat.ID)
		}
		seen[sat.ID] = true

		if sat.Host == "" {
			return fmt.Errorf("%w: satellite %s: host is required", ErrInvalidConfig, sat.ID)
		}
		if sat.Port < 1 || sat.Port > 65535 {
			return fmt.Errorf("%w: satellite %s: port %d out of range", ErrInvalidConfig, sat.ID, sat.Port)
		}
		if sat.ReconnectDelay < 0 {
			return fmt.Errorf("%w: satellite %s: reconnect_delay must not be negative", ErrInvalidConfig, sat.ID)
		}
		if _, err := satellite.ParseSettingsPushPolicy(sat.SettingsPush); err != nil {
			return fmt.Errorf("%w: satellite %s: %v", ErrInvalidConfig, sat.ID, err)
		}
		if _, err := client.ParseAfterHookPolicy(sat.AfterHook); err != nil {
			return fmt.Errorf("%w: satellite %s: %v", ErrInvalidConfig, sat.ID, err)
		}
	}
	return nil
}

// SatelliteOptions converts a satellite entry to orchestrator options.
func (s SatelliteConfig) SatelliteOptions() (satellite.Options, error) {
	push, err := satellite.ParseSettingsPushPolicy(s.SettingsPush)
	if err != nil {
		return satellite.Options{}, err
	}
	afterHook, err := client.ParseAfterHookPolicy(s.AfterHook)
	if err != nil {
		return satellite.Options{}, err
	}
	return satellite.Options{
		ID:             s.ID,
		Name:           s.Name,
		Host:           s.Host,
		Port:           s.Port,
		PipelineID:     s.Pipeline,
		SettingsPush:   push,
		AfterHook:      afterHook,
		ReconnectDelay: s.ReconnectDelay,
	}, nil
}
