// Package mock provides a scripted in-memory Channel for driving the
// usb2snes client in tests without a bridge.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Belthasaran/rhplay-sub001/usb2snes"
)

// SentFrame records one outbound frame for assertions.
type SentFrame struct {
	Kind usb2snes.FrameKind
	Data []byte
}

// Channel is a scripted usb2snes.Channel. Handlers installed via OnCommand
// and OnBinary run synchronously inside Send and typically push replies.
type Channel struct {
	mu     sync.Mutex
	sent   []SentFrame
	err    error
	closed bool

	inbound  chan usb2snes.Frame
	done     chan struct{}
	buffered atomic.Int64

	// OnCommand receives every decoded JSON command as it is sent.
	OnCommand func(cmd usb2snes.Command)
	// OnBinary receives every outbound binary frame.
	OnBinary func(p []byte)
}

func NewChannel() *Channel {
	return &Channel{
		inbound: make(chan usb2snes.Frame, 256),
		done:    make(chan struct{}),
	}
}

// Dialer returns a DialFunc handing out this channel, for Session.Dial.
func (c *Channel) Dialer() usb2snes.DialFunc {
	return func(_ context.Context, _ string) (usb2snes.Channel, error) {
		return c, nil
	}
}

func (c *Channel) SendText(p []byte) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, SentFrame{Kind: usb2snes.FrameText, Data: append([]byte(nil), p...)})
	h := c.OnCommand
	c.mu.Unlock()

	if h != nil {
		var cmd usb2snes.Command
		if err := json.Unmarshal(p, &cmd); err != nil {
			return fmt.Errorf("mock: malformed command frame: %w", err)
		}
		h(cmd)
	}
	return nil
}

func (c *Channel) SendBinary(p []byte) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, SentFrame{Kind: usb2snes.FrameBinary, Data: append([]byte(nil), p...)})
	h := c.OnBinary
	c.mu.Unlock()

	if h != nil {
		h(append([]byte(nil), p...))
	}
	return nil
}

func (c *Channel) ReadFrame() (usb2snes.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		// Drain whatever was pushed before the close.
		select {
		case f := <-c.inbound:
			return f, nil
		default:
		}
		return usb2snes.Frame{}, c.Err()
	}
}

func (c *Channel) Buffered() int {
	return int(c.buffered.Load())
}

// SetBuffered overrides the reported outbound occupancy, for backpressure
// tests.
func (c *Channel) SetBuffered(n int) {
	c.buffered.Store(int64(n))
}

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) Close() error {
	c.Fail(fmt.Errorf("mock: channel closed: %w", usb2snes.ErrConnection))
	return nil
}

// Fail closes the channel with err as its sticky failure.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

// PushReply queues a JSON control frame carrying results.
func (c *Channel) PushReply(results ...string) {
	j, _ := json.Marshal(usb2snes.Result{Results: results})
	c.push(usb2snes.Frame{Kind: usb2snes.FrameText, Data: j})
}

// PushBinary queues one raw payload frame.
func (c *Channel) PushBinary(p []byte) {
	c.push(usb2snes.Frame{Kind: usb2snes.FrameBinary, Data: append([]byte(nil), p...)})
}

// PushBinaryChunked queues p split into frames of at most chunk bytes.
func (c *Channel) PushBinaryChunked(p []byte, chunk int) {
	for len(p) > 0 {
		n := chunk
		if n > len(p) {
			n = len(p)
		}
		c.PushBinary(p[:n])
		p = p[n:]
	}
}

func (c *Channel) push(f usb2snes.Frame) {
	select {
	case c.inbound <- f:
	case <-c.done:
	}
}

// Sent returns a copy of every recorded outbound frame.
func (c *Channel) Sent() []SentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentCommands decodes the outbound text frames in order.
func (c *Channel) SentCommands() []usb2snes.Command {
	var cmds []usb2snes.Command
	for _, f := range c.Sent() {
		if f.Kind != usb2snes.FrameText {
			continue
		}
		var cmd usb2snes.Command
		if json.Unmarshal(f.Data, &cmd) == nil {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// SentBinary returns the outbound binary frames in send order.
func (c *Channel) SentBinary() [][]byte {
	var out [][]byte
	for _, f := range c.Sent() {
		if f.Kind == usb2snes.FrameBinary {
			out = append(out, f.Data)
		}
	}
	return out
}
