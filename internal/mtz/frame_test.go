package mtz

import (
	"bytes"
	"testing"
)

func TestCmd0Packing(t *testing.T) {
	cases := []struct {
		cmdType, subsystem, want byte
	}{
		{TypeSREQ, SubsystemSYS, 0x21},
		{TypeAREQ, SubsystemZDO, 0x45},
		{TypeSRSP, SubsystemAF, 0x64},
		{TypePOLL, SubsystemUTIL, 0x07},
	}
	for _, c := range cases {
		got := Cmd0(c.cmdType, c.subsystem)
		if got != c.want {
			t.Errorf("Cmd0(0x%02X, 0x%02X) = 0x%02X, want 0x%02X", c.cmdType, c.subsystem, got, c.want)
		}
		if CmdType(got) != c.cmdType {
			t.Errorf("CmdType(0x%02X) = 0x%02X, want 0x%02X", got, CmdType(got), c.cmdType)
		}
		if Subsystem(got) != c.subsystem {
			t.Errorf("Subsystem(0x%02X) = 0x%02X, want 0x%02X", got, Subsystem(got), c.subsystem)
		}
	}
}

// TestSerializeS1Request checks spec.md scenario S1's exact request bytes
// for get_system_version: FE 00 21 02 23.
func TestSerializeS1Request(t *testing.T) {
	raw, err := Serialize(Frame{Cmd0: Cmd0(TypeSREQ, SubsystemSYS), Cmd1: sysVersion})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	want := []byte{0xFE, 0x00, 0x21, 0x02, 0x23}
	if !bytes.Equal(raw, want) {
		t.Errorf("Serialize() = % X, want % X", raw, want)
	}
}

// TestSerializeS2Request checks spec.md scenario S2's exact permit_join(60)
// request bytes: FE 05 25 36 02 FC FF 3C 00 <FCS>.
func TestSerializeS2Request(t *testing.T) {
	raw, err := Serialize(Frame{
		Cmd0:    Cmd0(TypeSREQ, SubsystemZDO),
		Cmd1:    zdoMgmtPermitJoinReq,
		Payload: []byte{0x02, 0xFC, 0xFF, 0x3C, 0x00},
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	want := []byte{0xFE, 0x05, 0x25, 0x36, 0x02, 0xFC, 0xFF, 0x3C, 0x00, 0x25 ^ 0x36 ^ 0x02 ^ 0xFC ^ 0xFF ^ 0x3C ^ 0x00 ^ 0x05}
	if !bytes.Equal(raw, want) {
		t.Errorf("Serialize() = % X, want % X", raw, want)
	}
}

// TestRoundTrip is property 1: parse(serialize(f)) == f for arbitrary
// frames, across payload lengths from empty to the 250-byte max.
func TestRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 2, 17, 63, 128, 250}
	for _, n := range lengths {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*7 + 3)
		}
		f := Frame{Cmd0: Cmd0(TypeAREQ, SubsystemAF), Cmd1: 0x81, Payload: payload}
		raw, err := Serialize(f)
		if err != nil {
			t.Fatalf("Serialize(len=%d): %v", n, err)
		}
		p := NewParser()
		frames, errs := p.Feed(raw)
		if len(errs) != 0 {
			t.Fatalf("Feed(len=%d) errors: %v", n, errs)
		}
		if len(frames) != 1 {
			t.Fatalf("Feed(len=%d) produced %d frames, want 1", n, len(frames))
		}
		got := frames[0]
		if got.Cmd0 != f.Cmd0 || got.Cmd1 != f.Cmd1 || !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("round trip mismatch for len=%d: got %+v, want %+v", n, got, f)
		}
	}
}

func TestSerializeRejectsOversizePayload(t *testing.T) {
	_, err := Serialize(Frame{Payload: make([]byte, MaxPayloadLen+1)})
	if err == nil {
		t.Fatal("expected error for oversize payload, got nil")
	}
}
