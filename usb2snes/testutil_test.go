package usb2snes_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Belthasaran/rhplay-sub001/usb2snes"
	"github.com/Belthasaran/rhplay-sub001/usb2snes/mock"
)

func testConfig() usb2snes.Config {
	cfg := usb2snes.DefaultConfig()
	cfg.ReplyTimeout = 250 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	return cfg
}

// attachedSession connects a Session to ch and attaches it to a fake
// device so memory and file operations are usable.
func attachedSession(t *testing.T, ch *mock.Channel, cfg usb2snes.Config) *usb2snes.Session {
	t.Helper()
	s := usb2snes.New(cfg)
	s.Dial = ch.Dialer()
	// Hold back the test's command handler while the setup Name/Attach
	// commands go out; it should only see the commands under test.
	h := ch.OnCommand
	ch.OnCommand = nil
	require.NoError(t, s.Connect(context.Background(), "ws://mock"))
	require.NoError(t, s.Attach("mock-device"))
	ch.OnCommand = h
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

// remoteFS scripts the bridge side of the filesystem and file-transfer
// commands: directory listings, uploads accumulated from binary frames,
// and downloads streamed back in chunks.
type remoteFS struct {
	ch *mock.Channel

	// dirs maps directory path to its entries (type, name pairs as the
	// wire carries them).
	dirs map[string][]string
	// files maps file path to contents.
	files map[string][]byte

	pendingDst  string
	pendingSize int
	pendingBuf  []byte

	failMakeDir bool
}

func newRemoteFS(ch *mock.Channel) *remoteFS {
	r := &remoteFS{
		ch:    ch,
		dirs:  map[string][]string{"": {}, "/": {}},
		files: map[string][]byte{},
	}
	ch.OnCommand = r.handle
	ch.OnBinary = r.handleBinary
	return r
}

func (r *remoteFS) addDir(path string) {
	if _, ok := r.dirs[path]; ok {
		return
	}
	r.dirs[path] = []string{}
	parent, name := splitRemote(path)
	r.dirs[parent] = append(r.dirs[parent], "0", name)
}

func (r *remoteFS) addFile(path string, data []byte) {
	r.files[path] = data
	parent, name := splitRemote(path)
	r.dirs[parent] = append(r.dirs[parent], "1", name)
}

func splitRemote(path string) (parent, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}

func (r *remoteFS) handle(cmd usb2snes.Command) {
	switch cmd.Opcode {
	case "List":
		entries, ok := r.dirs[cmd.Operands[0]]
		if !ok {
			// A real bridge replies with an empty listing for unknown
			// paths; the client's parent walk is what detects the miss.
			r.ch.PushReply()
			return
		}
		r.ch.PushReply(entries...)
	case "MakeDir":
		if !r.failMakeDir {
			r.addDir(cmd.Operands[0])
		}
	case "PutFile":
		r.pendingDst = cmd.Operands[0]
		size, _ := parseHex(cmd.Operands[1])
		r.pendingSize = size
		r.pendingBuf = nil
		if size == 0 {
			r.addFile(r.pendingDst, []byte{})
		}
	case "GetFile":
		data, ok := r.files[cmd.Operands[0]]
		if !ok {
			r.ch.PushReply()
			return
		}
		r.ch.PushReply(hexString(len(data)))
		go r.ch.PushBinaryChunked(data, 4096)
	}
}

func (r *remoteFS) handleBinary(p []byte) {
	if r.pendingDst == "" {
		return
	}
	r.pendingBuf = append(r.pendingBuf, p...)
	if len(r.pendingBuf) >= r.pendingSize {
		r.addFile(r.pendingDst, r.pendingBuf)
		r.pendingDst = ""
	}
}

func parseHex(s string) (int, error) {
	n := 0
	for _, c := range s {
		n *= 16
		switch {
		case c >= '0' && c <= '9':
			n += int(c - '0')
		case c >= 'a' && c <= 'f':
			n += int(c-'a') + 10
		}
	}
	return n, nil
}

func hexString(n int) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%16]}, b...)
		n /= 16
	}
	return string(b)
}
