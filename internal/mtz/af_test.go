package mtz

import "testing"

// buildAFIncomingPayload assembles a full AF_INCOMING_MSG payload: the
// fixed 17-byte header (per spec.md §4.7) followed by the given ZCL body.
func buildAFIncomingPayload(srcAddr, clusterID uint16, zclBody []byte) []byte {
	p := make([]byte, 17)
	p[2], p[3] = byte(clusterID), byte(clusterID>>8)
	p[4], p[5] = byte(srcAddr), byte(srcAddr>>8)
	p[6] = 1 // srcEndpoint
	p[7] = 1 // dstEndpoint
	p[16] = byte(len(zclBody))
	return append(p, zclBody...)
}

// TestDecodeTemperatureReport is scenario S4.
func TestDecodeTemperatureReport(t *testing.T) {
	zclBody := []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x29, 0x4E, 0x08}
	payload := buildAFIncomingPayload(0x16C5, 0x0402, zclBody)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	reading, isTemp := pkt.IncomingMessage.Reading.(Temperature)
	if !isTemp {
		t.Fatalf("Reading = %#v, want Temperature", pkt.IncomingMessage.Reading)
	}
	if reading.Src != 0x16C5 {
		t.Errorf("Src = 0x%04X, want 0x16C5", reading.Src)
	}
	if reading.Celsius != 21.26 {
		t.Errorf("Celsius = %v, want 21.26", reading.Celsius)
	}
}

// TestDecodeHumidityReport is scenario S5.
func TestDecodeHumidityReport(t *testing.T) {
	zclBody := []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x21, 0x18, 0x15}
	payload := buildAFIncomingPayload(0x16C5, 0x0405, zclBody)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	reading, isHumidity := pkt.IncomingMessage.Reading.(Humidity)
	if !isHumidity {
		t.Fatalf("Reading = %#v, want Humidity", pkt.IncomingMessage.Reading)
	}
	if reading.Percent != 54.00 {
		t.Errorf("Percent = %v, want 54.00", reading.Percent)
	}
}

func TestDecodeButtonPress(t *testing.T) {
	zclBody := []byte{0x01, 0x05, zclCmdOnOffToggle}
	payload := buildAFIncomingPayload(0x1111, clusterOnOff, zclBody)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	if _, isPress := pkt.IncomingMessage.Reading.(ButtonPress); !isPress {
		t.Fatalf("Reading = %#v, want ButtonPress", pkt.IncomingMessage.Reading)
	}
}

func TestDecodeBatteryReport(t *testing.T) {
	// report attributes: attrId=0x0021 LE, type=u8 (0x20), value=150 -> 75.0%
	zclBody := []byte{0x18, 0x02, zclCmdReportAttributes, 0x21, 0x00, 0x20, 150}
	payload := buildAFIncomingPayload(0x2222, 0x0001, zclBody)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	reading, isBattery := pkt.IncomingMessage.Reading.(Battery)
	if !isBattery {
		t.Fatalf("Reading = %#v, want Battery", pkt.IncomingMessage.Reading)
	}
	if reading.Percent != 75.0 {
		t.Errorf("Percent = %v, want 75.0", reading.Percent)
	}
}

// TestWalkerInvariance is property 6: for an attribute list containing
// known pairs in any order, the walker returns the reading for whichever
// is first, and ignores the rest.
func TestWalkerInvariance(t *testing.T) {
	// Battery record first, then temperature — walker must return battery.
	batteryThenTemp := []byte{
		0x18, 0x03, zclCmdReportAttributes,
		0x21, 0x00, 0x20, 100, // battery: attr 0x0021, u8, 100 -> 50%
		0x00, 0x00, 0x29, 0x4E, 0x08, // temperature record, ignored
	}
	payload := buildAFIncomingPayload(0x3333, 0x0001, batteryThenTemp)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	reading, isBattery := pkt.IncomingMessage.Reading.(Battery)
	if !isBattery || reading.Percent != 50.0 {
		t.Fatalf("Reading = %#v, want Battery{Percent:50.0}", pkt.IncomingMessage.Reading)
	}
}

func TestDecodeAFUnrecognizedClusterProducesNoReading(t *testing.T) {
	zclBody := []byte{0x18, 0x01, zclCmdReportAttributes, 0x00, 0x00, 0x20, 0x01}
	payload := buildAFIncomingPayload(0x4444, 0x9999, zclBody)
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: payload}

	pkt, ok := DecodeAF(f)
	if !ok {
		t.Fatal("DecodeAF returned false")
	}
	if pkt.IncomingMessage.Reading != nil {
		t.Errorf("Reading = %#v, want nil", pkt.IncomingMessage.Reading)
	}
}

func TestDecodeAFTruncatedPayloadDoesNotPanic(t *testing.T) {
	f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: afIncomingMsg, Payload: []byte{1, 2, 3}}
	if _, ok := DecodeAF(f); ok {
		t.Fatal("expected short payload to decode as not-ok")
	}
}
