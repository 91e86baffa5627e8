// Package mqttbridge publishes the coordinator's decoded readings and
// device announcements to an MQTT broker with Home-Assistant-style
// discovery, and exposes a single inbound command: opening the network to
// joins. mtz has no write path into a device (no WriteAttribute, no
// SendClusterCommand), so unlike the teacher's bridge this one never turns
// an inbound MQTT message into a command toward a sensor.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zstack-coordinator/internal/coordinator"
	"zstack-coordinator/internal/devicedb"
	"zstack-coordinator/internal/mtz"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		coord:  coord,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqttbridge"),
		states: make(map[string]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zstack-coordinatord").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqttbridge: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbridge: connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.coord.OnReading(b.handleReading),
		b.coord.OnAnnounce(b.handleAnnounce),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleReading(ev coordinator.ReadingEvent) {
	if ev.IEEE == "" {
		return
	}
	prop, value := propertyFor(ev.Reading)
	if prop == "" {
		return
	}
	b.updateAndPublishState(ev.IEEE, prop, value)
}

func (b *Bridge) handleAnnounce(ev coordinator.AnnounceEvent) {
	go b.publishDiscoveryWhenKnown(ev.IEEE)
}

// propertyFor maps a decoded Reading to its Home-Assistant state property
// name and MQTT-ready value.
func propertyFor(r mtz.Reading) (string, any) {
	switch v := r.(type) {
	case mtz.Temperature:
		return "temperature", v.Celsius
	case mtz.Humidity:
		return "humidity", v.Percent
	case mtz.Battery:
		return "battery", v.Percent
	case mtz.OnOff:
		if v.IsOn {
			return "state", "ON"
		}
		return "state", "OFF"
	case mtz.ActivePower:
		return "power", v.Watts
	case mtz.ButtonPress:
		return "action", "toggle"
	default:
		return "", nil
	}
}

func (b *Bridge) updateAndPublishState(ieee, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[prop] = value

	if dev, err := b.coord.Devices().Get(ieee); err == nil {
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}

	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceTopicName(ieee), payload, true)
}

// publishDiscoveryWhenKnown waits briefly for the device's friendly name
// (if any) to settle before publishing discovery, mirroring the teacher's
// delayed-discovery pattern but against devicedb instead of a full
// interview state.
func (b *Bridge) publishDiscoveryWhenKnown(ieee string) {
	select {
	case <-time.After(2 * time.Second):
	case <-b.ctx.Done():
		return
	}
	dev, err := b.coord.Devices().Get(ieee)
	if err != nil {
		return
	}
	b.publishDeviceDiscovery(dev)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Devices().List()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev devicedb.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEE, "name", deviceDisplayName(dev))
}

// subscribeCommands wires up the one inbound command this bridge supports:
// permit-join, published to "<prefix>/bridge/permit_join/set" with a
// plain integer seconds payload.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/bridge/permit_join/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handlePermitJoinCommand(msg.Payload())
	})
}

func (b *Bridge) handlePermitJoinCommand(payload []byte) {
	seconds, err := strconv.Atoi(string(payload))
	if err != nil || seconds < 0 || seconds > 255 {
		b.logger.Warn("invalid permit_join payload", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.coord.PermitJoin(ctx, byte(seconds)); err != nil {
		b.logger.Warn("permit join command failed", "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
