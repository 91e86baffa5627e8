package mtz

import "errors"

// ErrTimeout is returned by SendAndWait/WaitForFrame when no frame matching
// the expected (cmd0, cmd1) pair arrived before the deadline.
var ErrTimeout = errors.New("mtz: timed out waiting for frame")

// ErrNotConnected is returned by operations that require an open transport.
var ErrNotConnected = errors.New("mtz: not connected")
