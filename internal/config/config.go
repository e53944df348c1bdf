package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollInterval matches the hourly cadence of the smart meter data
const DefaultPollInterval = time.Hour

// Config holds the application configuration. The file contains the API key,
// so Save always writes it with 0600 permissions.
type Config struct {
	APIKey        string        `yaml:"api_key"`
	MeterNr       string        `yaml:"meter_nr"`
	SupplyPointID string        `yaml:"supply_point_id,omitempty"`
	Address       string        `yaml:"address,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"` // Defaults to 1h
	RetainedCap   int           `yaml:"retained_cap,omitempty"`  // Max readings kept in memory

	MQTT          MQTTConfig `yaml:"mqtt,omitempty"`
	HomeAssistant HAConfig   `yaml:"home_assistant,omitempty"`
}

// MQTTConfig holds broker settings for Home Assistant MQTT discovery
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"` // Defaults to "veemeeter"
}

// HAConfig holds Home Assistant HTTP API configuration for direct state pushes
type HAConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`   // e.g. "http://homeassistant.local:8123"
	Token        string `yaml:"token"` // Long-lived access token
	EntityPrefix string `yaml:"entity_prefix,omitempty"`
}

// Load reads the config file. A missing file yields an empty config so that
// `setup` can create it.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// Validate checks that the config is complete enough to poll readings
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is not set (run 'veemeeter setup' first)")
	}
	if c.MeterNr == "" {
		return fmt.Errorf("meter_nr is not set (run 'veemeeter setup' first)")
	}
	return nil
}

// GetPollInterval returns the configured poll interval with the hourly default
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// GetRetainedCap returns the in-memory reading cap. 400 covers a bit over two
// weeks of hourly readings, which is all the daily delta computation needs.
func (c *Config) GetRetainedCap() int {
	if c.RetainedCap <= 0 {
		return 400
	}
	return c.RetainedCap
}

// GetTopicPrefix returns the MQTT topic prefix with its default
func (c *MQTTConfig) GetTopicPrefix() string {
	if c.TopicPrefix == "" {
		return "veemeeter"
	}
	return c.TopicPrefix
}

// GetEntityPrefix returns the Home Assistant entity prefix with its default
func (c *HAConfig) GetEntityPrefix() string {
	if c.EntityPrefix == "" {
		return "tallinna_vesi"
	}
	return c.EntityPrefix
}
