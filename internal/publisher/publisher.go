// Package publisher pushes the derived sensor values into Home Assistant,
// either over MQTT with discovery so the sensors appear automatically, or
// directly against the Home Assistant HTTP API.
package publisher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/tkarro/veemeeter/internal/config"
	"github.com/tkarro/veemeeter/internal/coordinator"
)

const discoveryPrefix = "homeassistant"

// Publisher handles publishing to Home Assistant over MQTT and/or HTTP
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	mqttCfg     config.MQTTConfig
	haCfg       config.HAConfig
	deviceID    string
	deviceName  string
	httpClient  *http.Client
	logger      *zap.Logger
}

// New creates a publisher and connects to the MQTT broker when enabled
func New(mqttCfg config.MQTTConfig, haCfg config.HAConfig, deviceID, deviceName string, logger *zap.Logger) (*Publisher, error) {
	if !mqttCfg.Enabled && !haCfg.Enabled {
		return nil, fmt.Errorf("neither MQTT nor the Home Assistant API is enabled in config")
	}
	if haCfg.Enabled {
		if haCfg.URL == "" {
			return nil, fmt.Errorf("Home Assistant URL is required when enabled")
		}
		if haCfg.Token == "" {
			return nil, fmt.Errorf("Home Assistant token is required when enabled")
		}
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device identifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deviceName == "" {
		deviceName = "Tallinna Vesi smart meter"
	}

	var client mqtt.Client
	if mqttCfg.Enabled {
		if mqttCfg.Broker == "" {
			return nil, fmt.Errorf("MQTT broker address is required when enabled")
		}

		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", mqttCfg.Broker))
		opts.SetClientID("veemeeter-" + slugify(deviceID))
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectTimeout(10 * time.Second)

		if mqttCfg.Username != "" {
			opts.SetUsername(mqttCfg.Username)
		}
		if mqttCfg.Password != "" {
			opts.SetPassword(mqttCfg.Password)
		}

		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
		}
	}

	return &Publisher{
		client:      client,
		topicPrefix: mqttCfg.GetTopicPrefix(),
		mqttCfg:     mqttCfg,
		haCfg:       haCfg,
		deviceID:    deviceID,
		deviceName:  deviceName,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}, nil
}

// discoveryConfig is the MQTT discovery payload Home Assistant expects under
// homeassistant/sensor/<object>/config
type discoveryConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id,omitempty"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Device              deviceInfo `json:"device"`
}

type deviceInfo struct {
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Identifiers  []string `json:"identifiers"`
}

// sensorAttributes rides along with every state update
type sensorAttributes struct {
	MeterNr       string `json:"meter_number"`
	SupplyPointID string `json:"supply_point_id,omitempty"`
	LastUpdated   string `json:"last_updated"`
	PartialDay    bool   `json:"partial_day,omitempty"`
	Anomalous     bool   `json:"anomalous,omitempty"`
	Stale         bool   `json:"stale,omitempty"`
}

// PublishDiscovery announces the two sensors via MQTT discovery. The configs
// are retained so Home Assistant re-creates the entities after a restart.
func (p *Publisher) PublishDiscovery() error {
	if p.client == nil {
		return nil
	}

	device := deviceInfo{
		Name:         p.deviceName,
		Manufacturer: "Tallinna Vesi",
		Model:        "Smart water meter",
		Identifiers:  []string{slugify(p.deviceID)},
	}

	sensors := []struct {
		key    string
		name   string
		class  string
		stateC string
	}{
		// Cumulative total accumulates on the Energy/Water dashboard
		{key: "total", name: "Total water consumption", class: "water", stateC: "total_increasing"},
		// Daily usage is a point-in-time delta, deliberately without a
		// device class so HA does not treat it as a second meter
		{key: "daily", name: "Daily water usage", stateC: "measurement"},
	}

	for _, s := range sensors {
		cfg := discoveryConfig{
			Name:                s.name,
			UniqueID:            fmt.Sprintf("%s_%s", slugify(p.deviceID), s.key),
			ObjectID:            fmt.Sprintf("%s_water_%s", slugify(p.deviceID), s.key),
			StateTopic:          p.stateTopic(s.key),
			JSONAttributesTopic: p.attributesTopic(s.key),
			UnitOfMeasurement:   "m³",
			DeviceClass:         s.class,
			StateClass:          s.stateC,
			Device:              device,
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding discovery config: %w", err)
		}

		topic := fmt.Sprintf("%s/sensor/%s_%s/config", discoveryPrefix, slugify(p.deviceID), s.key)
		if token := p.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing discovery config: %w", token.Error())
		}
	}

	p.logger.Debug("published MQTT discovery configs", zap.String("device", p.deviceID))
	return nil
}

// PublishSnapshot pushes both sensor values from a poll cycle
func (p *Publisher) PublishSnapshot(snap *coordinator.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nothing to publish: no snapshot yet")
	}

	attrs := sensorAttributes{
		MeterNr:       snap.MeterNr,
		SupplyPointID: snap.SupplyPointID,
		LastUpdated:   snap.LastReadingAt.UTC().Format(time.RFC3339),
		PartialDay:    snap.PartialDay,
		Anomalous:     snap.Anomalous,
		Stale:         snap.Stale,
	}

	if err := p.publishValue("total", snap.CumulativeTotal, attrs); err != nil {
		return err
	}
	if err := p.publishValue("daily", snap.DailyUsage, attrs); err != nil {
		return err
	}

	p.logger.Info("published sensor values",
		zap.Float64("total_m3", snap.CumulativeTotal),
		zap.Float64("daily_m3", snap.DailyUsage))
	return nil
}

// PublishReading pushes a single archived cumulative reading to the Home
// Assistant HTTP API, used by backfill publishing
func (p *Publisher) PublishReading(value float64, timestamp time.Time, meterNr string) error {
	if !p.haCfg.Enabled {
		return fmt.Errorf("backfill requires the Home Assistant API to be enabled in config")
	}
	attrs := sensorAttributes{
		MeterNr:     meterNr,
		LastUpdated: timestamp.UTC().Format(time.RFC3339),
	}
	return p.pushHAState("total", value, attrs)
}

func (p *Publisher) publishValue(key string, value float64, attrs sensorAttributes) error {
	if p.client != nil {
		state := formatValue(value)
		if token := p.client.Publish(p.stateTopic(key), 1, true, state); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s state: %w", key, token.Error())
		}

		attrPayload, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("encoding %s attributes: %w", key, err)
		}
		if token := p.client.Publish(p.attributesTopic(key), 1, true, attrPayload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s attributes: %w", key, token.Error())
		}
	}

	if p.haCfg.Enabled {
		if err := p.pushHAState(key, value, attrs); err != nil {
			return err
		}
	}

	return nil
}

// haStatePayload matches POST /api/states/<entity_id>
type haStatePayload struct {
	State      string           `json:"state"`
	Attributes haStateAttrsBody `json:"attributes"`
}

type haStateAttrsBody struct {
	sensorAttributes
	UnitOfMeasurement string `json:"unit_of_measurement"`
	FriendlyName      string `json:"friendly_name,omitempty"`
}

func (p *Publisher) pushHAState(key string, value float64, attrs sensorAttributes) error {
	entityID := fmt.Sprintf("sensor.%s_water_%s", p.haCfg.GetEntityPrefix(), key)
	apiURL := fmt.Sprintf("%s/api/states/%s", strings.TrimRight(p.haCfg.URL, "/"), entityID)

	payload := haStatePayload{
		State: formatValue(value),
		Attributes: haStateAttrsBody{
			sensorAttributes:  attrs,
			UnitOfMeasurement: "m³",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, apiURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.haCfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP error: status %d, response: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Close disconnects from the MQTT broker
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) stateTopic(key string) string {
	return fmt.Sprintf("%s/%s/%s/state", p.topicPrefix, slugify(p.deviceID), key)
}

func (p *Publisher) attributesTopic(key string) string {
	return fmt.Sprintf("%s/%s/%s/attributes", p.topicPrefix, slugify(p.deviceID), key)
}

// formatValue renders a sensor state. Meter totals carry three decimals
// (litre resolution on an m³ counter).
func formatValue(value float64) string {
	return fmt.Sprintf("%.3f", value)
}

// slugify makes an identifier safe for MQTT topics and HA entity ids
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
