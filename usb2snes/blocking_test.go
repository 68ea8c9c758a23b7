package usb2snes_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belthasaran/rhplay-sub001/usb2snes"
	"github.com/Belthasaran/rhplay-sub001/usb2snes/mock"
)

func TestPutFileBlockingCompletes(t *testing.T) {
	ch := mock.NewChannel()
	fs := newRemoteFS(ch)
	fs.addDir("/work")
	s := attachedSession(t, ch, testConfig())

	src, want := writeTempFile(t, 2048)
	require.NoError(t, s.PutFileBlocking(src, "/work/out.sfc", 0, nil))
	assert.Equal(t, want, fs.files["/work/out.sfc"])
}

func TestPutFileBlockingTimeoutPoisonsSession(t *testing.T) {
	cfg := testConfig()
	cfg.SkipUploadVerification = true
	ch := mock.NewChannel()
	fs := newRemoteFS(ch)
	fs.addDir("/work")
	// Permanently saturated outbound buffer: the upload stalls in its
	// pacing loop and the wrapper deadline fires.
	ch.SetBuffered(1 << 20)
	s := attachedSession(t, ch, cfg)

	src, _ := writeTempFile(t, 2048)
	err := s.PutFileBlocking(src, "/work/out.sfc", 50*time.Millisecond, nil)
	assert.ErrorIs(t, err, usb2snes.ErrTimeout)

	// The abandoned transfer may still own the wire; the session must
	// refuse further commands until reconnected.
	_, err = s.GetAddress(usb2snes.WRAMStart, 1)
	assert.ErrorIs(t, err, usb2snes.ErrConnection)
}

func TestDisconnectAfterBlockingTimeoutIsSafe(t *testing.T) {
	cfg := testConfig()
	cfg.SkipUploadVerification = true
	ch := mock.NewChannel()
	fs := newRemoteFS(ch)
	fs.addDir("/work")
	// Saturate the outbound buffer so the upload parks in its pacing loop.
	ch.SetBuffered(1 << 20)
	s := attachedSession(t, ch, cfg)

	src, _ := writeTempFile(t, 2048)
	err := s.PutFileBlocking(src, "/work/out.sfc", 50*time.Millisecond, nil)
	require.ErrorIs(t, err, usb2snes.ErrTimeout)

	// Tear the session down while the abandoned upload goroutine is still
	// polling the outbound buffer. It must keep running against the channel
	// it started on and wind down via the channel's close error, not crash.
	require.NoError(t, s.Disconnect())
	time.Sleep(20 * time.Millisecond)

	// The session stays usable for a fresh connection afterwards.
	ch2 := mock.NewChannel()
	s.Dial = ch2.Dialer()
	require.NoError(t, s.Connect(context.Background(), "ws://mock"))
}

func TestGetFileBlockingCompletes(t *testing.T) {
	ch := mock.NewChannel()
	fs := newRemoteFS(ch)
	fs.addDir("/work")
	fs.addFile("/work/save.srm", []byte{1, 2, 3})
	s := attachedSession(t, ch, testConfig())

	data, err := s.GetFileBlocking("/work/save.srm", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestGetFileBlockingTimeout(t *testing.T) {
	ch := mock.NewChannel()
	ch.OnCommand = func(cmd usb2snes.Command) {
		if cmd.Opcode == "GetFile" {
			// Announce a size but never deliver the payload.
			ch.PushReply("100")
		}
	}
	s := attachedSession(t, ch, testConfig())

	_, err := s.GetFileBlocking("/work/save.srm", 50*time.Millisecond, nil)
	assert.ErrorIs(t, err, usb2snes.ErrTimeout)
}
