package liveview

import (
	"strings"

	"zstack-coordinator/internal/coordinator"
	"zstack-coordinator/internal/mtz"
	"zstack-coordinator/internal/recorder"
)

// readingMessage renders a coordinator.ReadingEvent as a flat JSON-friendly
// map for WebSocket clients, using the same property names as mqttbridge so
// a dashboard and an MQTT consumer agree on vocabulary.
func readingMessage(ev coordinator.ReadingEvent) map[string]any {
	msg := map[string]any{
		"type":       "reading",
		"ieee":       ev.IEEE,
		"short_addr": ev.ShortAddr,
	}
	switch v := ev.Reading.(type) {
	case mtz.Temperature:
		msg["property"], msg["value"] = "temperature", v.Celsius
	case mtz.Humidity:
		msg["property"], msg["value"] = "humidity", v.Percent
	case mtz.Battery:
		msg["property"], msg["value"] = "battery", v.Percent
	case mtz.OnOff:
		msg["property"], msg["value"] = "state", v.IsOn
	case mtz.ActivePower:
		msg["property"], msg["value"] = "power", v.Watts
	case mtz.ButtonPress:
		msg["property"], msg["value"] = "action", "toggle"
	}
	return msg
}

// parseDeviceHistoryPath extracts the IEEE address and reading kind from a
// "/api/devices/{ieee}/{kind}" path.
func parseDeviceHistoryPath(path string) (ieee string, kind recorder.Kind, ok bool) {
	const prefix = "/api/devices/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], recorder.Kind(parts[1]), true
}
