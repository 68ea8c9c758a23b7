package usb2snes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const recvQueueDepth = 64

// correlator serializes command issuance onto the wire. The protocol
// carries no request IDs and cannot disambiguate interleaved replies, so
// exactly one command may be outstanding at a time; mu is the sole gate for
// "what command is outstanding". Concurrent callers queue on mu.
type correlator struct {
	mu sync.Mutex

	ch    Channel
	recvq chan Frame
	done  chan struct{}
	quit  chan struct{}
}

func newCorrelator(ch Channel) *correlator {
	c := &correlator{
		ch:    ch,
		recvq: make(chan Frame, recvQueueDepth),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// recvLoop pulls every inbound frame off the channel so that waiters can
// select on recvq with a deadline.
func (c *correlator) recvLoop() {
	defer close(c.done)
	for {
		f, err := c.ch.ReadFrame()
		if err != nil {
			return
		}
		select {
		case c.recvq <- f:
		case <-c.quit:
			return
		}
	}
}

func (c *correlator) stop() {
	close(c.quit)
	_ = c.ch.Close()
}

// writeCommand serializes cmd to its JSON wire form and sends it as a text
// frame. Frames left behind by a command whose waiter timed out are
// dropped first: with no request IDs on the wire, a late reply would
// otherwise be taken for this command's. The caller must hold mu.
func (c *correlator) writeCommand(cmd Command) error {
	for {
		select {
		case f := <-c.recvq:
			log.Printf("usb2snes: %s command: dropping %d-byte stale frame from a timed-out command", cmd.Opcode, len(f.Data))
			continue
		default:
		}
		break
	}

	j, err := json.Marshal(&cmd)
	if err != nil {
		return fmt.Errorf("usb2snes: %s command encode: %w", cmd.Opcode, err)
	}
	if err = c.ch.SendText(j); err != nil {
		return fmt.Errorf("usb2snes: %s command send: %w: %v", cmd.Opcode, ErrConnection, err)
	}
	return nil
}

// nextFrame waits for the next inbound frame up to the deadline. Frames
// already buffered are drained before the closed signal is consulted.
func (c *correlator) nextFrame(timeout time.Duration) (Frame, error) {
	select {
	case f := <-c.recvq:
		return f, nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-c.recvq:
		return f, nil
	case <-c.done:
		if err := c.ch.Err(); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return Frame{}, ErrConnection
	case <-t.C:
		return Frame{}, fmt.Errorf("no reply within %v: %w", timeout, ErrTimeout)
	}
}

// reply waits for the next frame and decodes it as a JSON control frame.
// The caller must hold mu.
func (c *correlator) reply(name string, timeout time.Duration) (res Result, err error) {
	f, err := c.nextFrame(timeout)
	if err != nil {
		return res, fmt.Errorf("usb2snes: %s command response: %w", name, err)
	}
	if f.Kind != FrameText {
		return res, fmt.Errorf("usb2snes: %s command response: binary frame where JSON reply expected: %w", name, ErrProtocol)
	}
	if err = json.Unmarshal(f.Data, &res); err != nil {
		return res, fmt.Errorf("usb2snes: %s command response: decode response: %w: %v", name, ErrProtocol, err)
	}
	return res, nil
}

// roundTrip sends cmd and decodes the next JSON reply. The caller must
// hold mu.
func (c *correlator) roundTrip(cmd Command, timeout time.Duration) (Result, error) {
	if err := c.writeCommand(cmd); err != nil {
		return Result{}, err
	}
	return c.reply(cmd.Opcode, timeout)
}

// collectBinary accumulates binary frames until exactly want bytes have
// arrived, invoking progress after each frame. The per-frame wait is
// bounded by timeout. A channel close before want bytes arrive is a
// transfer-incomplete failure, not a plain connection error. The caller
// must hold mu.
func (c *correlator) collectBinary(name string, want int, timeout time.Duration, progress func(got, total int)) ([]byte, error) {
	buf := make([]byte, 0, want)
	if progress != nil {
		progress(0, want)
	}
	for len(buf) < want {
		f, err := c.nextFrame(timeout)
		if err != nil {
			if errors.Is(err, ErrConnection) {
				return nil, fmt.Errorf("usb2snes: %s: received %d of %d bytes: %w: %v", name, len(buf), want, ErrTransferIncomplete, err)
			}
			return nil, fmt.Errorf("usb2snes: %s: received %d of %d bytes: %w", name, len(buf), want, err)
		}
		if f.Kind != FrameBinary {
			return nil, fmt.Errorf("usb2snes: %s: JSON frame where binary payload expected: %w", name, ErrProtocol)
		}
		buf = append(buf, f.Data...)
		if progress != nil {
			progress(len(buf), want)
		}
	}
	if len(buf) > want {
		return nil, fmt.Errorf("usb2snes: %s: received %d bytes, expected %d: %w", name, len(buf), want, ErrProtocol)
	}
	return buf, nil
}
