//go:build no_mqtt

package main

import (
	"log/slog"

	"binupnp-cp/internal/controlpoint"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *controlpoint.ControlPoint, _ *Config, _ string, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
