package mqttbridge

import (
	"fmt"
	"strings"

	"zstack-coordinator/internal/devicedb"
)

// discoveryMessage is one Home Assistant MQTT discovery payload.
type discoveryMessage struct {
	Topic   string
	Payload []byte
}

type sensorComponent struct {
	kind       string // "sensor" or "binary_sensor"
	objectID   string
	name       string
	deviceCls  string
	unit       string
	valueKey   string
	entityCat  string // "diagnostic" or ""
}

// sensorComponents lists every entity this bridge is able to publish a
// reading for: one entry for each of the six Reading implementations mtz
// decodes, with battery marked as a diagnostic.
var sensorComponents = []sensorComponent{
	{kind: "sensor", objectID: "temperature", name: "Temperature", deviceCls: "temperature", unit: "°C", valueKey: "temperature"},
	{kind: "sensor", objectID: "humidity", name: "Humidity", deviceCls: "humidity", unit: "%", valueKey: "humidity"},
	{kind: "sensor", objectID: "battery", name: "Battery", deviceCls: "battery", unit: "%", valueKey: "battery", entityCat: "diagnostic"},
	{kind: "sensor", objectID: "power", name: "Power", deviceCls: "power", unit: "W", valueKey: "power"},
	{kind: "binary_sensor", objectID: "state", name: "State", deviceCls: "", unit: "", valueKey: "state"},
	{kind: "sensor", objectID: "action", name: "Action", deviceCls: "", unit: "", valueKey: "action"},
}

// buildDiscovery renders the HA discovery config payloads for every
// component a device might report. Home Assistant ignores a discovery
// message for a state topic that never receives a matching value, so it
// is safe to publish the full set rather than track per-device capability.
func buildDiscovery(dev devicedb.Device, prefix string) []discoveryMessage {
	stateTopic := prefix + "/" + deviceTopicName(dev.IEEE)
	deviceBlock := map[string]any{
		"identifiers":  []string{dev.IEEE},
		"name":         deviceDisplayName(dev),
		"manufacturer": "zstack-coordinator",
	}

	var msgs []discoveryMessage
	for _, c := range sensorComponents {
		uniqueID := fmt.Sprintf("%s_%s", dev.IEEE, c.objectID)
		cfg := map[string]any{
			"name":          c.name,
			"unique_id":     uniqueID,
			"state_topic":   stateTopic,
			"value_template": fmt.Sprintf("{{ value_json.%s }}", c.valueKey),
			"device":        deviceBlock,
		}
		if c.deviceCls != "" {
			cfg["device_class"] = c.deviceCls
		}
		if c.unit != "" {
			cfg["unit_of_measurement"] = c.unit
		}
		if c.entityCat != "" {
			cfg["entity_category"] = c.entityCat
		}
		if c.kind == "binary_sensor" {
			cfg["payload_on"] = "ON"
			cfg["payload_off"] = "OFF"
		}

		topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", c.kind, dev.IEEE, c.objectID)
		msgs = append(msgs, discoveryMessage{Topic: topic, Payload: mustJSON(cfg)})
	}
	return msgs
}

func deviceDisplayName(dev devicedb.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	return dev.IEEE
}

func deviceTopicName(ieee string) string {
	return strings.ToLower(ieee)
}
