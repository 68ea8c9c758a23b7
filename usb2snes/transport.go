package usb2snes

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// FrameKind distinguishes the two payload types the protocol interleaves
// on one socket.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

// Frame is one inbound message: either a UTF-8 JSON control frame or a raw
// binary payload frame.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Channel is a bidirectional message socket carrying alternating text and
// binary frames. It is exclusively owned by one Session; no other component
// writes to it directly.
type Channel interface {
	// SendText queues a UTF-8 text frame.
	SendText(p []byte) error
	// SendBinary queues a raw binary frame.
	SendBinary(p []byte) error
	// ReadFrame blocks until the next frame arrives or the channel fails.
	ReadFrame() (Frame, error)
	// Buffered reports outbound bytes accepted but not yet written to the
	// socket. The protocol has no chunk-level acknowledgement, so this is
	// the only backpressure signal available to a sender.
	Buffered() int
	// Err reports the sticky failure, nil while the channel is healthy.
	Err() error
	Close() error
}

// DialFunc opens a Channel. Sessions use DialWebSocket unless a test
// injects its own.
type DialFunc func(ctx context.Context, url string) (Channel, error)

const sendQueueDepth = 64

type outFrame struct {
	op   ws.OpCode
	data []byte
}

// wsChannel adapts a gobwas websocket connection to the Channel interface.
// Writes go through a pump goroutine so that Buffered can report genuine
// outbound occupancy.
type wsChannel struct {
	conn net.Conn
	r    *wsutil.Reader

	sendq  chan outFrame
	queued atomic.Int64

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// DialWebSocket connects to a QUsb2Snes-compatible bridge, e.g.
// "ws://localhost:8080".
func DialWebSocket(ctx context.Context, url string) (Channel, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("usb2snes: dial %s: %w", url, err)
	}
	c := &wsChannel{
		conn:  conn,
		r:     wsutil.NewClientSideReader(conn),
		sendq: make(chan outFrame, sendQueueDepth),
		done:  make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case f := <-c.sendq:
			err := wsutil.WriteClientMessage(c.conn, f.op, f.data)
			c.queued.Add(-int64(len(f.data)))
			if err != nil {
				c.fail(fmt.Errorf("usb2snes: websocket write: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) enqueue(op ws.OpCode, p []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.queued.Add(int64(len(p)))
	select {
	case c.sendq <- outFrame{op: op, data: p}:
		return nil
	case <-c.done:
		c.queued.Add(-int64(len(p)))
		return c.Err()
	}
}

func (c *wsChannel) SendText(p []byte) error {
	return c.enqueue(ws.OpText, p)
}

func (c *wsChannel) SendBinary(p []byte) error {
	return c.enqueue(ws.OpBinary, p)
}

func (c *wsChannel) ReadFrame() (Frame, error) {
	for {
		hdr, err := c.r.NextFrame()
		if err != nil {
			err = fmt.Errorf("usb2snes: error reading next websocket frame: %w", err)
			c.fail(err)
			return Frame{}, err
		}
		switch hdr.OpCode {
		case ws.OpClose:
			err = fmt.Errorf("usb2snes: websocket closed by server: %w", ErrConnection)
			c.fail(err)
			return Frame{}, err
		case ws.OpPing, ws.OpPong:
			if _, err = io.Copy(io.Discard, c.r); err != nil {
				c.fail(err)
				return Frame{}, err
			}
			continue
		}

		data := make([]byte, hdr.Length)
		if _, err = io.ReadFull(c.r, data); err != nil {
			err = fmt.Errorf("usb2snes: error reading websocket frame payload: %w", err)
			c.fail(err)
			return Frame{}, err
		}
		kind := FrameBinary
		if hdr.OpCode == ws.OpText {
			kind = FrameText
		}
		return Frame{Kind: kind, Data: data}, nil
	}
}

func (c *wsChannel) Buffered() int {
	return int(c.queued.Load())
}

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail records the first error, closes the socket and wakes all waiters.
func (c *wsChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
	_ = c.conn.Close()
}

func (c *wsChannel) Close() error {
	c.fail(fmt.Errorf("usb2snes: channel closed: %w", ErrConnection))
	return nil
}
