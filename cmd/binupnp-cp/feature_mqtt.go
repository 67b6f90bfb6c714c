//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "binupnp-cp/internal/mqtt"

	"binupnp-cp/internal/controlpoint"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(cp *controlpoint.ControlPoint, cfg *Config, instanceID string, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(cp, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    mqttClientID(instanceID),
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

// mqttClientID derives a stable client ID from the instance ID.
func mqttClientID(instanceID string) string {
	if len(instanceID) > 8 {
		instanceID = instanceID[:8]
	}
	return "binupnp-cp-" + instanceID
}
