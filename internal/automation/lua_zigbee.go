//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"zstack-coordinator/internal/coordinator"
	"zstack-coordinator/internal/devicedb"
	"zstack-coordinator/internal/mtz"
	"zstack-coordinator/internal/recorder"

	lua "github.com/yuin/gopher-lua"
)

// eventFields flattens a coordinator event's typed payload into the
// ieee/property shape Lua handlers and filters expect.
func eventFields(data interface{}) map[string]interface{} {
	switch v := data.(type) {
	case coordinator.ReadingEvent:
		fields := map[string]interface{}{
			"ieee":       v.IEEE,
			"short_addr": int(v.ShortAddr),
		}
		if prop, value := readingProperty(v.Reading); prop != "" {
			fields["property"] = prop
			fields["value"] = value
		}
		return fields
	case coordinator.AnnounceEvent:
		return map[string]interface{}{
			"ieee":       v.IEEE,
			"short_addr": int(v.ShortAddr),
		}
	case byte:
		return map[string]interface{}{"seconds": int(v)}
	default:
		return nil
	}
}

// readingProperty mirrors mqttbridge's property mapping so scripts and the
// MQTT bridge see the same property names for the same reading kinds.
func readingProperty(r mtz.Reading) (string, interface{}) {
	switch v := r.(type) {
	case mtz.Temperature:
		return "temperature", v.Celsius
	case mtz.Humidity:
		return "humidity", v.Percent
	case mtz.Battery:
		return "battery", v.Percent
	case mtz.OnOff:
		return "state", v.IsOn
	case mtz.ActivePower:
		return "power", v.Watts
	case mtz.ButtonPress:
		return "action", "toggle"
	default:
		return "", nil
	}
}

// registerZigbeeModule registers the `zigbee` global table in a Lua state.
//
// mtz has no attribute-write or cluster-command path into a device, so
// unlike the original module this one is read-only toward the network: a
// script can react to readings and announcements, look up cached state,
// and open the network to joins, but it cannot command a device.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return zigbeeOn(L, vm)
	}))

	mod.RawSetString("get_property", L.NewFunction(func(L *lua.LState) int {
		return zigbeeGetProperty(L, e)
	}))

	mod.RawSetString("permit_join", L.NewFunction(func(L *lua.LState) int {
		return zigbeePermitJoin(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return zigbeeAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return zigbeeLog(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return zigbeeDevices(L, e)
	}))

	L.SetGlobal("zigbee", mod)
}

const maxHandlersPerScript = 100

// zigbee.on(type, filter, callback)
func zigbeeOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("ieee"); v != lua.LNil {
		h.ieee = v.String()
	}
	if v := filterTable.RawGetString("property"); v != lua.LNil {
		h.property = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// propertyKinds maps the property names scripts ask for to the recorder
// series that backs them.
var propertyKinds = map[string]recorder.Kind{
	"temperature": recorder.KindTemperature,
	"humidity":    recorder.KindHumidity,
	"battery":     recorder.KindBattery,
	"power":       recorder.KindActivePower,
}

// zigbee.get_property(ieee_or_name, property) — returns the latest recorded
// sample for a reading property, or nil if the device or property is unknown.
func zigbeeGetProperty(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	prop := L.CheckString(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}

	kind, ok := propertyKinds[prop]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	sample, found, err := e.coord.Recorder().Latest(dev.IEEE, kind)
	if err != nil || !found {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(lua.LNumber(sample.Value))
	return 1
}

// zigbee.permit_join(seconds) — opens the network to new joins.
func zigbeePermitJoin(L *lua.LState, e *Engine) int {
	seconds := L.CheckInt(1)
	if seconds < 0 || seconds > 255 {
		L.ArgError(1, "seconds must be 0-255")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.coord.PermitJoin(ctx, byte(seconds)); err != nil {
		e.logger.Error("permit_join from script", "err", err)
	}
	return 0
}

// zigbee.after(seconds, callback) — delayed execution
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// zigbee.log(msg)
func zigbeeLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// zigbee.devices() — returns a table of all known devices
func zigbeeDevices(L *lua.LState, e *Engine) int {
	devices, err := e.coord.Devices().List()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEE))
		name := dev.FriendlyName
		if name == "" {
			name = dev.IEEE
		}
		d.RawSetString("name", lua.LString(name))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *devicedb.Device {
	if len(target) == 16 && isHexString(target) {
		dev, err := e.coord.Devices().Get(strings.ToUpper(target))
		if err == nil {
			return &dev
		}
	}

	devices, err := e.coord.Devices().List()
	if err != nil {
		return nil
	}

	lower := strings.ToLower(target)
	for _, dev := range devices {
		if strings.ToLower(dev.FriendlyName) == lower {
			return &dev
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.IEEE, target) {
			return &dev
		}
	}

	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
