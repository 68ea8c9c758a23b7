package usb2snes_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belthasaran/rhplay-sub001/usb2snes"
	"github.com/Belthasaran/rhplay-sub001/usb2snes/mock"
)

func TestGetAddressConcatenatesFrames(t *testing.T) {
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ch := mock.NewChannel()
	ch.OnCommand = func(cmd usb2snes.Command) {
		require.Equal(t, "GetAddress", cmd.Opcode)
		require.Equal(t, []string{"f50010", "a"}, cmd.Operands)
		// Deliver in three frames; the client must reassemble.
		ch.PushBinaryChunked(want, 4)
	}
	s := attachedSession(t, ch, testConfig())

	got, err := s.GetAddress(usb2snes.WRAMStart+0x10, 10)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetAddressIncompleteOnClose(t *testing.T) {
	ch := mock.NewChannel()
	ch.OnCommand = func(cmd usb2snes.Command) {
		ch.PushBinary([]byte{1, 2, 3})
		ch.Fail(errors.New("bridge went away"))
	}
	s := attachedSession(t, ch, testConfig())

	_, err := s.GetAddress(usb2snes.WRAMStart, 8)
	assert.ErrorIs(t, err, usb2snes.ErrTransferIncomplete)
}

func TestGetAddressesOrderAndSizes(t *testing.T) {
	ranges := []usb2snes.AddressRange{
		{Address: 0xF50010, Size: 1},
		{Address: 0xF50020, Size: 5},
		{Address: 0xE00000, Size: 3},
	}
	payload := []byte{0xAA, 1, 2, 3, 4, 5, 0x10, 0x20, 0x30}

	ch := mock.NewChannel()
	ch.OnCommand = func(cmd usb2snes.Command) {
		require.Equal(t, "GetAddress", cmd.Opcode)
		// One command, interleaved addr/size operand pairs.
		require.Equal(t, []string{"f50010", "1", "f50020", "5", "e00000", "3"}, cmd.Operands)
		// Frame boundaries land mid-range on purpose.
		ch.PushBinaryChunked(payload, 2)
	}
	s := attachedSession(t, ch, testConfig())

	results, err := s.GetAddresses(ranges)
	require.NoError(t, err)
	require.Len(t, results, len(ranges))

	total := 0
	for i, r := range ranges {
		assert.Len(t, results[i], int(r.Size))
		total += len(results[i])
	}
	assert.Equal(t, len(payload), total)
	assert.Equal(t, []byte{0xAA}, results[0])
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, results[1])
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, results[2])
}

func TestGetAddressesEmpty(t *testing.T) {
	ch := mock.NewChannel()
	s := attachedSession(t, ch, testConfig())
	results, err := s.GetAddresses(nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	// Nothing hit the wire beyond Name/Attach.
	assert.Len(t, ch.SentCommands(), 2)
}

func TestGetAddressesVerified(t *testing.T) {
	sentinel := usb2snes.AddressRange{Address: 0x00FFC0, Size: 2}

	t.Run("ordering holds", func(t *testing.T) {
		ch := mock.NewChannel()
		ch.OnCommand = func(cmd usb2snes.Command) {
			ch.PushBinary([]byte{7, 0x53, 0x4D})
		}
		s := attachedSession(t, ch, testConfig())

		results, err := s.GetAddressesVerified(
			[]usb2snes.AddressRange{{Address: 0xF50000, Size: 1}},
			sentinel, []byte{0x53, 0x4D})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, []byte{7}, results[0])
	})

	t.Run("ordering violated", func(t *testing.T) {
		ch := mock.NewChannel()
		ch.OnCommand = func(cmd usb2snes.Command) {
			ch.PushBinary([]byte{7, 0xFF, 0xFF})
		}
		s := attachedSession(t, ch, testConfig())

		_, err := s.GetAddressesVerified(
			[]usb2snes.AddressRange{{Address: 0xF50000, Size: 1}},
			sentinel, []byte{0x53, 0x4D})
		assert.ErrorIs(t, err, usb2snes.ErrProtocol)
	})
}

func TestPutAddressOneCommandPerWrite(t *testing.T) {
	ch := mock.NewChannel()
	s := attachedSession(t, ch, testConfig())

	writes := []usb2snes.MemoryWrite{
		{Address: 0xF50010, Data: []byte{1}},
		{Address: 0xF50100, Data: []byte{2, 3, 4}},
	}
	require.NoError(t, s.PutAddress(writes))

	frames := ch.Sent()
	// Name, Attach, then JSON+binary per write.
	require.Len(t, frames, 6)
	assert.Equal(t, usb2snes.FrameText, frames[2].Kind)
	assert.Equal(t, usb2snes.FrameBinary, frames[3].Kind)
	assert.Equal(t, []byte{1}, frames[3].Data)
	assert.Equal(t, usb2snes.FrameText, frames[4].Kind)
	assert.Equal(t, usb2snes.FrameBinary, frames[5].Kind)
	assert.Equal(t, []byte{2, 3, 4}, frames[5].Data)

	cmds := ch.SentCommands()
	assert.Equal(t, "PutAddress", cmds[2].Opcode)
	assert.Equal(t, []string{"f50010", "1"}, cmds[2].Operands)
	assert.Equal(t, []string{"f50100", "3"}, cmds[3].Operands)
}

func TestPutAddressSD2SNESBuildsCMDStub(t *testing.T) {
	ch := mock.NewChannel()
	s := usb2snes.New(testConfig())
	s.Dial = ch.Dialer()
	require.NoError(t, s.Connect(context.Background(), "ws://mock"))
	defer s.Disconnect()
	require.NoError(t, s.Attach("SD2SNES COM3"))

	require.NoError(t, s.PutAddress([]usb2snes.MemoryWrite{
		{Address: usb2snes.WRAMStart + 0x10, Data: []byte{0x42, 0x43}},
	}))

	cmds := ch.SentCommands()
	put := cmds[len(cmds)-1]
	require.Equal(t, "PutAddress", put.Opcode)
	assert.Equal(t, usb2snes.SpaceCMD, put.Space)
	require.Len(t, put.Operands, 4)
	assert.Equal(t, "2C00", put.Operands[0])
	assert.Equal(t, "2C00", put.Operands[2])
	assert.Equal(t, "1", put.Operands[3])

	bins := ch.SentBinary()
	require.Len(t, bins, 1)
	stub := bins[0]
	// Register-preserve prologue.
	assert.True(t, bytes.HasPrefix(stub, []byte{0x00, 0xE2, 0x20, 0x48, 0xEB, 0x48}))
	// LDA #$42 / STA.l $7E0010, LDA #$43 / STA.l $7E0011.
	assert.Equal(t, []byte{0xA9, 0x42, 0x8F, 0x10, 0x00, 0x7E}, stub[6:12])
	assert.Equal(t, []byte{0xA9, 0x43, 0x8F, 0x11, 0x00, 0x7E}, stub[12:18])
	// Epilogue clears the command flag and returns through the NMI vector.
	assert.True(t, bytes.HasSuffix(stub, []byte{0x6C, 0xEA, 0xFF, 0x08}))
}

func TestPutAddressSD2SNESRejectsNonWRAM(t *testing.T) {
	ch := mock.NewChannel()
	s := usb2snes.New(testConfig())
	s.Dial = ch.Dialer()
	require.NoError(t, s.Connect(context.Background(), "ws://mock"))
	defer s.Disconnect()
	require.NoError(t, s.Attach("sd2snes"))

	err := s.PutAddress([]usb2snes.MemoryWrite{{Address: usb2snes.SRAMStart, Data: []byte{1}}})
	assert.ErrorIs(t, err, usb2snes.ErrProtocol)
}

func TestSingleFlightNonInterleaving(t *testing.T) {
	// Two concurrent reads with distinct payloads: if command B's JSON hit
	// the wire before command A's reply was consumed, a caller would get
	// the other caller's bytes.
	payloads := map[string][]byte{
		"f50010": bytes.Repeat([]byte{0xAA}, 64),
		"f50020": bytes.Repeat([]byte{0xBB}, 64),
	}

	ch := mock.NewChannel()
	ch.OnCommand = func(cmd usb2snes.Command) {
		if cmd.Opcode != "GetAddress" {
			return
		}
		ch.PushBinaryChunked(payloads[cmd.Operands[0]], 16)
	}
	s := attachedSession(t, ch, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for op, want := range payloads {
			addr := uint32(0xF50010)
			if op == "f50020" {
				addr = 0xF50020
			}
			want := want
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.GetAddress(addr, 64)
				assert.NoError(t, err)
				assert.Equal(t, want, got)
			}()
		}
	}
	wg.Wait()
}
