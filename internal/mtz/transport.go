package mtz

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Transport is the collaborator contract the client requires from a serial
// port: open/close, best-effort write, and a read that returns promptly
// (0, nil) when no bytes are available rather than blocking indefinitely.
// The client owns a Transport exclusively for its whole lifetime.
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// readTimeout bounds how long a single Read call may block with nothing to
// return; it is what makes process() a prompt, non-blocking pump pass.
const readTimeout = 100 * time.Millisecond

// SerialTransport is a Transport backed by a real UART via go.bug.st/serial,
// configured raw 8-N-1 with no flow control as the MT protocol requires.
type SerialTransport struct {
	portName string
	baudRate int
	port     serial.Port
}

// NewSerialTransport returns a Transport for the named serial device. The
// port is not opened until Open is called.
func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{portName: portName, baudRate: baudRate}
}

// Open configures and opens the UART.
func (t *SerialTransport) Open() error {
	mode := &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return fmt.Errorf("mtz: open %s: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("mtz: set read timeout on %s: %w", t.portName, err)
	}
	t.port = port
	return nil
}

// Close releases the UART.
func (t *SerialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	return t.port.Close()
}

// Write writes bytes best-effort, returning the number accepted.
func (t *SerialTransport) Write(p []byte) (int, error) {
	if t.port == nil {
		return 0, ErrNotConnected
	}
	return t.port.Write(p)
}

// Read returns whatever bytes are immediately available, or 0 after the
// transport's read timeout elapses with nothing received.
func (t *SerialTransport) Read(p []byte) (int, error) {
	if t.port == nil {
		return 0, ErrNotConnected
	}
	return t.port.Read(p)
}
