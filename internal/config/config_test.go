package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.MeterNr)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := &Config{
		APIKey:        "secret-key",
		MeterNr:       "WM-1001",
		SupplyPointID: "SP-7",
		Address:       "Tulika 5",
		PollInterval:  30 * time.Minute,
		RetainedCap:   200,
		MQTT: MQTTConfig{
			Enabled: true,
			Broker:  "mqtt.local:1883",
		},
		HomeAssistant: HAConfig{
			Enabled: true,
			URL:     "http://homeassistant.local:8123",
			Token:   "ha-token",
		},
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, &Config{APIKey: "secret-key"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: [unterminated"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{APIKey: "k", MeterNr: "WM-1001"}, false},
		{"missing api key", Config{MeterNr: "WM-1001"}, true},
		{"missing meter", Config{APIKey: "k"}, true},
		{"empty", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, time.Hour, cfg.GetPollInterval())
	assert.Equal(t, 400, cfg.GetRetainedCap())
	assert.Equal(t, "veemeeter", cfg.MQTT.GetTopicPrefix())
	assert.Equal(t, "tallinna_vesi", cfg.HomeAssistant.GetEntityPrefix())

	cfg.PollInterval = 5 * time.Minute
	cfg.RetainedCap = 50
	cfg.MQTT.TopicPrefix = "water"
	cfg.HomeAssistant.EntityPrefix = "tv"
	assert.Equal(t, 5*time.Minute, cfg.GetPollInterval())
	assert.Equal(t, 50, cfg.GetRetainedCap())
	assert.Equal(t, "water", cfg.MQTT.GetTopicPrefix())
	assert.Equal(t, "tv", cfg.HomeAssistant.GetEntityPrefix())
}
