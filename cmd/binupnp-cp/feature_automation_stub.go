//go:build no_automation

package main

import (
	"log/slog"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *controlpoint.ControlPoint, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
