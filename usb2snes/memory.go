package usb2snes

import (
	"bytes"
	"fmt"
	"log"

	"github.com/alttpo/snes/asm"
)

// Memory map exposed by the bridge. Reads may target ROM, SRAM and WRAM;
// hardware writes are limited to the WRAM window shadowed by the flash cart.
const (
	ROMStart  uint32 = 0x000000
	SRAMStart uint32 = 0xE00000
	WRAMStart uint32 = 0xF50000
	WRAMSize  uint32 = 0x20000
)

// AddressRange asks for size bytes starting at address.
type AddressRange struct {
	Address uint32
	Size    uint32
}

// MemoryWrite puts Data at Address.
type MemoryWrite struct {
	Address uint32
	Data    []byte
}

// GetAddress reads size bytes of device memory starting at address. The
// reply arrives as one or more binary frames which are concatenated until
// exactly size bytes are collected.
func (s *Session) GetAddress(address, size uint32) ([]byte, error) {
	cor, err := s.attached()
	if err != nil {
		return nil, err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	cmd := Command{
		Opcode:   opGetAddress,
		Space:    SpaceSNES,
		Operands: []string{hexOperand(address), hexOperand(size)},
	}
	if err := cor.writeCommand(cmd); err != nil {
		return nil, err
	}
	data, err := cor.collectBinary(opGetAddress, int(size), s.cfg.ReplyTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("usb2snes: [%s] read %06x: %w", s.appName, address, err)
	}
	return data, nil
}

// GetAddresses reads every range in one round trip. N single reads cost N
// round trips; one batched read costs one. Results come back in request
// order with the requested sizes.
//
// The ordering is a protocol assumption: the bridge does not tag results
// and no server version formally guarantees the order, but every known
// client relies on it. GetAddressesVerified adds a runtime cross-check.
func (s *Session) GetAddresses(ranges []AddressRange) ([][]byte, error) {
	cor, err := s.attached()
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	// Interleave the operands: addr1, size1, addr2, size2, ...
	operands := make([]string, 0, len(ranges)*2)
	total := 0
	for _, r := range ranges {
		operands = append(operands, hexOperand(r.Address), hexOperand(r.Size))
		total += int(r.Size)
	}

	cmd := Command{Opcode: opGetAddress, Space: SpaceSNES, Operands: operands}
	if err := cor.writeCommand(cmd); err != nil {
		return nil, err
	}
	data, err := cor.collectBinary(opGetAddress, total, s.cfg.ReplyTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("usb2snes: [%s] batch read of %d ranges: %w", s.appName, len(ranges), err)
	}

	// Split the concatenated buffer back into per-range slices in request
	// order.
	results := make([][]byte, 0, len(ranges))
	consumed := 0
	for _, r := range ranges {
		results = append(results, data[consumed:consumed+int(r.Size)])
		consumed += int(r.Size)
	}
	return results, nil
}

// GetAddressesVerified batches ranges together with a sentinel range whose
// contents the caller knows to be constant (a ROM header byte, say). A
// sentinel mismatch means the bridge violated the reply-order assumption
// and every result in the batch is suspect.
func (s *Session) GetAddressesVerified(ranges []AddressRange, sentinel AddressRange, expect []byte) ([][]byte, error) {
	all := make([]AddressRange, 0, len(ranges)+1)
	all = append(all, ranges...)
	all = append(all, sentinel)

	results, err := s.GetAddresses(all)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(results[len(ranges)], expect) {
		return nil, fmt.Errorf("usb2snes: [%s] batched reply ordering check failed at %06x: %w",
			s.appName, sentinel.Address, ErrProtocol)
	}
	return results[:len(ranges)], nil
}

// PutAddress writes every location in writes. The protocol cannot batch
// writes, so one command goes out per location; the single-flight lock is
// held across all of them so no other caller's traffic interleaves, but the
// writes are not atomic with respect to the console's own execution.
func (s *Session) PutAddress(writes []MemoryWrite) error {
	cor, err := s.attached()
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	if s.isSD2SNES.Load() {
		return s.putAddressCMD(cor, writes)
	}

	for _, w := range writes {
		cmd := Command{
			Opcode:   opPutAddress,
			Space:    SpaceSNES,
			Operands: []string{hexOperand(w.Address), hexOperand(uint32(len(w.Data)))},
		}
		if err := cor.writeCommand(cmd); err != nil {
			return err
		}
		if err := cor.ch.SendBinary(w.Data); err != nil {
			return fmt.Errorf("usb2snes: [%s] write %06x payload: %w: %v", s.appName, w.Address, ErrConnection, err)
		}
	}
	return nil
}

// putAddressCMD is the sd2snes hardware path: the firmware cannot write
// WRAM directly, so the writes are compiled into a 65816 stub that the cart
// injects and executes via the CMD space.
func (s *Session) putAddressCMD(cor *correlator, writes []MemoryWrite) error {
	stub, err := buildCMDWriteStub(writes)
	if err != nil {
		return err
	}

	cmd := Command{
		Opcode:   opPutAddress,
		Space:    SpaceCMD,
		Operands: []string{"2C00", hexOperand(uint32(len(stub) - 1)), "2C00", "1"},
	}
	if err := cor.writeCommand(cmd); err != nil {
		return err
	}
	if err := cor.ch.SendBinary(stub); err != nil {
		return fmt.Errorf("usb2snes: [%s] CMD write payload: %w: %v", s.appName, ErrConnection, err)
	}
	log.Printf("usb2snes: [%s] wrote %d locations via CMD stub (%d bytes)", s.appName, len(writes), len(stub))
	return nil
}

// buildCMDWriteStub assembles the routine the firmware trampolines into:
// preserve registers, one LDA #imm / STA.l pair per byte, clear the
// command flag at $2C00, restore registers, jump through the NMI vector.
// The stack and vector instructions have no typed emitter equivalents and
// go in as raw bytes.
func buildCMDWriteStub(writes []MemoryWrite) ([]byte, error) {
	a := asm.NewEmitter(make([]byte, 0x200), false)

	a.EmitBytes([]byte{0x00})       // pad byte consumed by the firmware
	a.SEP(0x20)                     // 8-bit accumulator
	a.EmitBytes([]byte{0x48})       // PHA
	a.EmitBytes([]byte{0xEB, 0x48}) // XBA, PHA

	for _, w := range writes {
		if w.Address < WRAMStart || w.Address+uint32(len(w.Data)) > WRAMStart+WRAMSize {
			return nil, fmt.Errorf("usb2snes: sd2snes write out of WRAM range at %06x (%d bytes): %w",
				w.Address, len(w.Data), ErrProtocol)
		}
		// Map the flash-cart WRAM window back to the console bus.
		ptr := w.Address + 0x7E0000 - WRAMStart
		for i, b := range w.Data {
			a.LDA_imm8_b(b)
			a.STA_long(ptr + uint32(i))
		}
	}

	a.LDA_imm8_b(0x00)
	a.STA_long(0x002C00)                        // signal the firmware the command is done
	a.EmitBytes([]byte{0x68, 0xEB, 0x68, 0x28}) // PLA, XBA, PLA, PLP
	a.EmitBytes([]byte{0x6C, 0xEA, 0xFF, 0x08}) // JMP ($FFEA)
	return a.Bytes(), nil
}
