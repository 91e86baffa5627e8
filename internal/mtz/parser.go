package mtz

// ParserState names the states of the byte-stream frame receiver.
type ParserState int

const (
	WaitStart ParserState = iota
	WaitLen
	WaitCmd0
	WaitCmd1
	ReadData
	WaitFcs
)

func (s ParserState) String() string {
	switch s {
	case WaitStart:
		return "WaitStart"
	case WaitLen:
		return "WaitLen"
	case WaitCmd0:
		return "WaitCmd0"
	case WaitCmd1:
		return "WaitCmd1"
	case ReadData:
		return "ReadData"
	case WaitFcs:
		return "WaitFcs"
	default:
		return "Unknown"
	}
}

// Parser is a resumable byte-at-a-time receiver for MT frames. It holds no
// reference to any transport; callers feed it bytes one at a time (or via
// Feed for a whole buffer) and collect emitted frames. A Parser is always
// safe to reset; WaitStart is both its initial and its terminal state.
type Parser struct {
	state   ParserState
	length  byte
	cmd0    byte
	cmd1    byte
	fcs     byte
	payload []byte
}

// NewParser returns a parser in its initial WaitStart state.
func NewParser() *Parser {
	return &Parser{state: WaitStart}
}

// State returns the parser's current state, mostly useful for tests.
func (p *Parser) State() ParserState {
	return p.state
}

// Reset returns the parser to WaitStart, discarding any partial frame. It is
// always safe to call; a timed-out send_and_wait leaves the parser exactly
// where it was so that in-flight bytes are not lost.
func (p *Parser) Reset() {
	p.state = WaitStart
	p.payload = nil
	p.fcs = 0
}

// PushByte feeds a single byte to the parser. It returns a complete frame
// and true when the byte completes one; a checksum failure returns
// (Frame{}, false, error) and resets to WaitStart — the caller should log
// the error and keep feeding bytes, since garbage between frames is
// self-healing by design.
func (p *Parser) PushByte(b byte) (Frame, bool, error) {
	switch p.state {
	case WaitStart:
		if b == StartByte {
			p.payload = nil
			p.fcs = 0
			p.state = WaitLen
		}
		// Any other byte outside a frame is simply discarded.
		return Frame{}, false, nil

	case WaitLen:
		p.length = b
		p.fcs ^= b
		p.payload = make([]byte, 0, b)
		p.state = WaitCmd0
		return Frame{}, false, nil

	case WaitCmd0:
		p.cmd0 = b
		p.fcs ^= b
		p.state = WaitCmd1
		return Frame{}, false, nil

	case WaitCmd1:
		p.cmd1 = b
		p.fcs ^= b
		if p.length > 0 {
			p.state = ReadData
		} else {
			p.state = WaitFcs
		}
		return Frame{}, false, nil

	case ReadData:
		p.fcs ^= b
		p.payload = append(p.payload, b)
		if len(p.payload) == int(p.length) {
			p.state = WaitFcs
		}
		return Frame{}, false, nil

	case WaitFcs:
		p.state = WaitStart
		if b != p.fcs {
			return Frame{}, false, &ChecksumError{Expected: p.fcs, Got: b}
		}
		return Frame{Cmd0: p.cmd0, Cmd1: p.cmd1, Payload: p.payload}, true, nil

	default:
		p.state = WaitStart
		return Frame{}, false, nil
	}
}

// Feed pushes an entire buffer through the parser and returns every frame
// completed while doing so, in arrival order. Feeding a buffer one byte at
// a time via PushByte and feeding it whole via Feed always yield the same
// sequence of frames — the parser carries no lookahead.
func (p *Parser) Feed(buf []byte) ([]Frame, []error) {
	var frames []Frame
	var errs []error
	for _, b := range buf {
		f, ok, err := p.PushByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			frames = append(frames, f)
		}
	}
	return frames, errs
}

// ChecksumError reports a frame whose trailing FCS byte did not match the
// accumulated XOR of its header and payload.
type ChecksumError struct {
	Expected byte
	Got      byte
}

func (e *ChecksumError) Error() string {
	return "mtz: checksum mismatch"
}
