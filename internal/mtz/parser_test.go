package mtz

import (
	"bytes"
	"testing"
)

// TestByteGranularityResumability is property 2: feeding a buffer one byte
// at a time yields the same frames as feeding it whole.
func TestByteGranularityResumability(t *testing.T) {
	f1, _ := Serialize(Frame{Cmd0: Cmd0(TypeSRSP, SubsystemSYS), Cmd1: 0x02, Payload: []byte{1, 2, 3}})
	f2, _ := Serialize(Frame{Cmd0: Cmd0(TypeAREQ, SubsystemZDO), Cmd1: 0xC1, Payload: []byte{0xAA, 0xBB}})
	buf := append(append([]byte{}, f1...), f2...)

	whole := NewParser()
	wholeFrames, wholeErrs := whole.Feed(buf)
	if len(wholeErrs) != 0 {
		t.Fatalf("whole feed errors: %v", wholeErrs)
	}

	bytewise := NewParser()
	var byteFrames []Frame
	for _, b := range buf {
		f, ok, err := bytewise.PushByte(b)
		if err != nil {
			t.Fatalf("byte-at-a-time error: %v", err)
		}
		if ok {
			byteFrames = append(byteFrames, f)
		}
	}

	if len(wholeFrames) != 2 || len(byteFrames) != 2 {
		t.Fatalf("got %d whole frames, %d byte-at-a-time frames, want 2 each", len(wholeFrames), len(byteFrames))
	}
	for i := range wholeFrames {
		if wholeFrames[i].Cmd0 != byteFrames[i].Cmd0 || wholeFrames[i].Cmd1 != byteFrames[i].Cmd1 ||
			!bytes.Equal(wholeFrames[i].Payload, byteFrames[i].Payload) {
			t.Errorf("frame %d differs: whole=%+v byte=%+v", i, wholeFrames[i], byteFrames[i])
		}
	}
}

// TestGarbageTolerance is property 3: garbage bytes (not containing 0xFE,
// or a frame with a deliberately corrupted FCS) before a valid frame never
// change what gets parsed from the valid tail.
func TestGarbageTolerance(t *testing.T) {
	valid, _ := Serialize(Frame{Cmd0: Cmd0(TypeSRSP, SubsystemUTIL), Cmd1: 0x00, Payload: []byte{9, 9, 9}})

	garbageNoStart := []byte{0x01, 0x02, 0x03, 0xAB, 0xCD}
	corrupted, _ := Serialize(Frame{Cmd0: 0x11, Cmd1: 0x22, Payload: []byte{1}})
	corrupted[len(corrupted)-1] ^= 0xFF // flip the FCS byte

	for _, prefix := range [][]byte{garbageNoStart, corrupted} {
		p := NewParser()
		buf := append(append([]byte{}, prefix...), valid...)
		frames, _ := p.Feed(buf)
		if len(frames) != 1 {
			t.Fatalf("prefix %v: got %d frames, want 1", prefix, len(frames))
		}
		got := frames[0]
		if got.Cmd0 != Cmd0(TypeSRSP, SubsystemUTIL) || got.Cmd1 != 0x00 || !bytes.Equal(got.Payload, []byte{9, 9, 9}) {
			t.Errorf("prefix %v: frame mismatch: %+v", prefix, got)
		}
	}
}

// TestChecksumRejection is property 4: flipping any single bit in a
// serialized frame (excluding the start byte) yields no successfully
// emitted frame from those bytes.
func TestChecksumRejection(t *testing.T) {
	raw, _ := Serialize(Frame{Cmd0: Cmd0(TypeSREQ, SubsystemAF), Cmd1: 0x01, Payload: []byte{0x10, 0x20, 0x30}})
	for byteIdx := 1; byteIdx < len(raw); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte{}, raw...)
			mutated[byteIdx] ^= 1 << bit

			p := NewParser()
			frames, _ := p.Feed(mutated)
			if len(frames) != 0 {
				t.Errorf("byte %d bit %d: expected 0 frames from mutated input, got %d", byteIdx, bit, len(frames))
			}
		}
	}
}

func TestParserResetIsSafe(t *testing.T) {
	p := NewParser()
	p.PushByte(StartByte)
	p.PushByte(0x02)
	p.Reset()
	if p.State() != WaitStart {
		t.Fatalf("after Reset, state = %v, want WaitStart", p.State())
	}
	raw, _ := Serialize(Frame{Cmd0: 0x21, Cmd1: 0x02})
	frames, errs := p.Feed(raw)
	if len(errs) != 0 || len(frames) != 1 {
		t.Fatalf("parser unusable after Reset: frames=%v errs=%v", frames, errs)
	}
}
