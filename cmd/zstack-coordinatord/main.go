package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zstack-coordinator/internal/coordinator"
	"zstack-coordinator/internal/devicedb"
	"zstack-coordinator/internal/liveview"
	"zstack-coordinator/internal/mtz"
	"zstack-coordinator/internal/recorder"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Config is the on-disk YAML configuration for the coordinator daemon.
type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Network struct {
		PermitJoinOnStart int `yaml:"permit_join_on_start"` // seconds, 0 = don't open
	} `yaml:"network"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Recorder struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"recorder"`
	LiveView struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"liveview"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Network.PermitJoinOnStart < 0 || c.Network.PermitJoinOnStart > 255 {
		return fmt.Errorf("network.permit_join_on_start must be 0-255")
	}
	return nil
}

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zstack-coordinatord starting", "version", version)

	devices, err := devicedb.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("open device store", "err", err)
		os.Exit(1)
	}
	defer devices.Close()

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.Open(cfg.Recorder.Path)
		if err != nil {
			logger.Error("open recorder", "err", err)
			os.Exit(1)
		}
		defer rec.Close()
	}

	transport := mtz.NewSerialTransport(cfg.Serial.Port, cfg.Serial.Baud)
	client := mtz.NewClient(transport, logger)

	coord := coordinator.New(client, devices, rec, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx, coordinator.Config{PermitJoinSeconds: byte(cfg.Network.PermitJoinOnStart)})
	startCancel()
	if err != nil {
		logger.Error("start coordinator", "err", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	go coord.Run(runCtx)

	mqttStop := initMQTT(coord, cfg, logger)
	autoStop := initAutomation(coord, cfg, logger)

	var liveviewServer *liveview.Server
	if cfg.LiveView.Enabled {
		liveviewServer = liveview.NewServer(coord, cfg.LiveView.Listen, logger,
			liveview.WithAllowedOrigins(cfg.LiveView.AllowedOrigins))
		go func() {
			if err := liveviewServer.Start(); err != nil {
				logger.Error("liveview server", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	autoStop.Stop()
	mqttStop.Stop()
	if liveviewServer != nil {
		if err := liveviewServer.Stop(shutdownCtx); err != nil {
			logger.Error("liveview server shutdown", "err", err)
		}
	}
	runCancel()
	if err := coord.Stop(); err != nil {
		logger.Error("coordinator stop", "err", err)
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "devices.db"
	}
	if cfg.Recorder.Path == "" {
		cfg.Recorder.Path = "recorder.db"
	}
	if cfg.LiveView.Listen == "" {
		cfg.LiveView.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zstack"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
