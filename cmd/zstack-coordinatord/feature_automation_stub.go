//go:build no_automation

package main

import (
	"log/slog"

	"zstack-coordinator/internal/coordinator"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
