package mtz

import "io"

// fakeTransport is an in-memory Transport for tests: Write captures what
// the client sent, and a queue of byte chunks stands in for bytes arriving
// from the radio, one chunk per Read call (mirroring how a real serial
// port delivers whatever happened to arrive since the last read).
type fakeTransport struct {
	written [][]byte
	inbound [][]byte

	// onWrite, if set, is invoked after each Write with the bytes just
	// written; a non-nil return is queued as the next Read's bytes. This
	// stands in for a radio that replies to whatever it was just sent.
	onWrite func(written []byte) []byte
}

func (f *fakeTransport) Open() error  { return nil }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Write(p []byte) (int, error) {
	cp := append([]byte{}, p...)
	f.written = append(f.written, cp)
	if f.onWrite != nil {
		if reply := f.onWrite(cp); reply != nil {
			f.push(reply)
		}
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.inbound) == 0 {
		return 0, nil
	}
	chunk := f.inbound[0]
	f.inbound = f.inbound[1:]
	if len(chunk) > len(p) {
		return 0, io.ErrShortBuffer
	}
	copy(p, chunk)
	return len(chunk), nil
}

// push queues a chunk of bytes to be returned by the next Read call.
func (f *fakeTransport) push(b []byte) {
	f.inbound = append(f.inbound, b)
}
