package mtz

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// waitPollInterval is how long WaitForFrame sleeps between empty reads, to
// avoid busy-spinning the single owning thread while nothing has arrived.
const waitPollInterval = 10 * time.Millisecond

// ZDOHandler receives decoded ZDO packets delivered outside any pending wait.
type ZDOHandler func(ZDOPacket)

// AFHandler receives decoded AF/ZCL packets delivered outside any pending wait.
type AFHandler func(AFPacket)

// pendingWait tracks one in-flight synchronous wait. Because the client is
// single-threaded and cooperative, a handler invoked while a wait is
// outstanding may start a nested wait of its own, so these are kept on an
// actual stack (Client.pendingStack) rather than a single field — otherwise
// a reply for the outer wait arriving while the inner one is polling would
// have nothing to match against and would be dropped as unsolicited.
type pendingWait struct {
	cmd0, cmd1 byte
	frame      *Frame
}

// Client is the MT protocol's request/response multiplexer. It owns a
// Transport exclusively and drives it from a single cooperative loop: the
// application calls Process() repeatedly, and blocking operations like
// SendAndWait re-enter the very same read/parse/dispatch logic rather than
// spawning a background reader. There is no internal locking, by design —
// see the concurrency notes on Process and WaitForFrame.
type Client struct {
	transport Transport
	parser    *Parser
	logger    *slog.Logger

	zdoHandler ZDOHandler
	afHandler  AFHandler

	pendingStack []*pendingWait
	readBuf      [256]byte

	txSeq uint8 // running ZCL transaction-id counter, see SPEC_FULL's first open question
}

// NewClient constructs a client over the given transport. The transport is
// not opened until Connect is called.
func NewClient(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		parser:    NewParser(),
		logger:    logger.With("component", "mtz"),
	}
}

// Connect opens the underlying transport.
func (c *Client) Connect() error {
	return c.transport.Open()
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// SetZDOHandler installs the single ZDO handler, replacing any previous one.
func (c *Client) SetZDOHandler(h ZDOHandler) {
	c.zdoHandler = h
}

// SetAFHandler installs the single AF handler, replacing any previous one.
func (c *Client) SetAFHandler(h AFHandler) {
	c.afHandler = h
}

// nextTxSeq allocates the next ZCL transaction id.
func (c *Client) nextTxSeq() uint8 {
	c.txSeq++
	return c.txSeq
}

// Send writes a frame to the transport without waiting for any reply.
func (c *Client) Send(f Frame) error {
	raw, err := Serialize(f)
	if err != nil {
		return fmt.Errorf("mtz: serialize: %w", err)
	}
	if _, err := c.transport.Write(raw); err != nil {
		return fmt.Errorf("mtz: write: %w", err)
	}
	return nil
}

// Process is the non-blocking pump: it reads whatever bytes are currently
// available (bounded by the transport's own short read timeout), feeds the
// parser, and dispatches every frame completed in this pass. The
// application's main loop is expected to call this repeatedly.
func (c *Client) Process() error {
	_, err := c.pumpOnce()
	return err
}

// pumpOnce performs one read/parse/route pass and returns the number of
// bytes actually read, so callers can distinguish "nothing arrived yet"
// from "arrived but didn't complete a frame".
func (c *Client) pumpOnce() (int, error) {
	n, err := c.transport.Read(c.readBuf[:])
	if err != nil {
		return 0, fmt.Errorf("mtz: read: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	frames, errs := c.parser.Feed(c.readBuf[:n])
	for _, e := range errs {
		c.logger.Debug("frame decode error, resuming at next start byte", "err", e)
	}
	for _, f := range frames {
		c.route(f)
	}
	return n, nil
}

// route implements the dispatcher exclusivity invariant: a frame that
// satisfies any outstanding wait resolves that wait and is never also
// delivered to a handler; every other frame goes to its handler in arrival
// order. Outstanding waits are checked outermost-first, so a reply for an
// outer SendAndWait is never shadowed by a nested wait started from inside
// one of its handlers.
func (c *Client) route(f Frame) {
	for _, pw := range c.pendingStack {
		if pw.frame == nil && f.Matches(pw.cmd0, pw.cmd1) {
			pw.frame = &f
			return
		}
	}
	switch Subsystem(f.Cmd0) {
	case SubsystemZDO:
		pkt, ok := DecodeZDO(f)
		if !ok {
			c.logger.Debug("unknown ZDO frame ignored", "cmd0", f.Cmd0, "cmd1", f.Cmd1)
		} else if c.zdoHandler != nil {
			c.zdoHandler(pkt)
		}
	case SubsystemAF:
		if pkt, ok := DecodeAF(f); ok && c.afHandler != nil {
			c.afHandler(pkt)
		}
	default:
		c.logger.Debug("unsolicited frame ignored", "cmd0", f.Cmd0, "cmd1", f.Cmd1)
	}
}

// WaitForFrame blocks (cooperatively, via repeated pump passes on the
// calling goroutine) until a frame matching the expected (cmd0, cmd1) pair
// arrives, the deadline elapses, or ctx is cancelled. Frames that arrive in
// the meantime but don't match are routed to handlers before this returns.
func (c *Client) WaitForFrame(ctx context.Context, expectedCmd0, expectedCmd1 byte, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	pw := &pendingWait{cmd0: expectedCmd0, cmd1: expectedCmd1}
	c.pendingStack = append(c.pendingStack, pw)
	defer func() {
		for i, p := range c.pendingStack {
			if p == pw {
				c.pendingStack = append(c.pendingStack[:i], c.pendingStack[i+1:]...)
				break
			}
		}
	}()

	for {
		n, err := c.pumpOnce()
		if err != nil {
			return Frame{}, err
		}
		if pw.frame != nil {
			return *pw.frame, nil
		}
		if time.Now().After(deadline) {
			return Frame{}, ErrTimeout
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// SendAndWait writes a request frame, then waits for a reply matching the
// expected (cmd0, cmd1) pair. On timeout it returns ErrTimeout and leaves
// the parser exactly where it was: any bytes of an in-flight frame are not
// lost, only the deadline is.
func (c *Client) SendAndWait(ctx context.Context, req Frame, expectedCmd0, expectedCmd1 byte, timeout time.Duration) (Frame, error) {
	if err := c.Send(req); err != nil {
		return Frame{}, err
	}
	return c.WaitForFrame(ctx, expectedCmd0, expectedCmd1, timeout)
}
