//go:build !no_automation

package main

import (
	"log/slog"

	"zstack-coordinator/internal/automation"
	"zstack-coordinator/internal/coordinator"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *autoStopper {
	if !cfg.Automation.Enabled {
		return &autoStopper{}
	}

	scriptMgr, err := automation.NewManager(cfg.Automation.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	engine := automation.NewEngine(coord, scriptMgr, logger,
		automation.SystemConfig{},
		automation.TelegramConfig{},
	)
	engine.Start()

	return &autoStopper{engine: engine}
}
