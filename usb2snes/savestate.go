package usb2snes

import (
	"fmt"
	"log"
	"strconv"
	"time"
)

// Savestate support requires a ROM patched with the usb2snes savestate
// hook. The hook exposes a two-byte flag pair (saveState, loadState) at an
// interface address that moved between firmware generations, and a 320 KiB
// state block at a fixed data address.
const (
	SavestateSize = 320 << 10

	savestateDataAddress  uint32 = 0xF00000
	savestateInterfaceOld uint32 = 0xFC2000 // firmware < 11
	savestateInterfaceNew uint32 = 0xFE1000 // firmware >= 11
)

const safeStatePollInterval = 30 * time.Millisecond

// setFirmwareVersion selects the savestate interface address from the
// firmware's major version. Called by Info.
func (s *Session) setFirmwareVersion(version string) {
	major, ok := leadingInt(version)
	if !ok {
		return
	}
	if major >= 11 {
		s.savestateInterface.Store(savestateInterfaceNew)
	} else {
		s.savestateInterface.Store(savestateInterfaceOld)
	}
	log.Printf("usb2snes: [%s] firmware %s, savestate interface at %06x", s.appName, version, s.savestateInterface.Load())
}

// leadingInt parses the first run of digits in s.
func leadingInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			s = s[:i]
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(s[start:])
	if err != nil {
		return 0, false
	}
	return v, true
}

// CheckSavestateSupport reports whether the savestate interface flags are
// readable, i.e. the running ROM carries the savestate patch.
func (s *Session) CheckSavestateSupport() bool {
	_, err := s.GetAddress(s.savestateInterface.Load(), 2)
	return err == nil
}

// WaitForSafeState polls until both the saveState and loadState flags read
// zero, meaning the hook is idle and the state block is consistent.
func (s *Session) WaitForSafeState(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		flags, err := s.GetAddress(s.savestateInterface.Load(), 2)
		if err != nil {
			return err
		}
		if flags[0] == 0 && flags[1] == 0 {
			return nil
		}
		s.sleep(safeStatePollInterval)
	}
	return fmt.Errorf("usb2snes: waiting for safe savestate: %w", ErrTimeout)
}

// SaveStateToMemory captures the 320 KiB savestate block. With trigger set
// it first raises the saveState flag and waits for the hook to finish;
// otherwise it reads whatever state the block currently holds.
func (s *Session) SaveStateToMemory(trigger bool) ([]byte, error) {
	if err := s.WaitForSafeState(5 * time.Second); err != nil {
		return nil, err
	}

	if trigger {
		if err := s.PutAddress([]MemoryWrite{{Address: s.savestateInterface.Load(), Data: []byte{1, 0}}}); err != nil {
			return nil, err
		}
		s.sleep(100 * time.Millisecond)
		if err := s.WaitForSafeState(10 * time.Second); err != nil {
			return nil, err
		}
	}

	log.Printf("usb2snes: [%s] reading savestate block (%d bytes)", s.appName, SavestateSize)
	data, err := s.GetAddress(savestateDataAddress, SavestateSize)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadStateFromMemory writes a 320 KiB savestate block back and triggers
// the hook's load path.
func (s *Session) LoadStateFromMemory(data []byte) error {
	if len(data) != SavestateSize {
		return fmt.Errorf("usb2snes: savestate block is %d bytes, expected %d: %w", len(data), SavestateSize, ErrProtocol)
	}

	if err := s.WaitForSafeState(5 * time.Second); err != nil {
		return err
	}
	if err := s.PutAddress([]MemoryWrite{{Address: savestateDataAddress, Data: data}}); err != nil {
		return err
	}
	// Raise loadState, the second flag byte.
	if err := s.PutAddress([]MemoryWrite{{Address: s.savestateInterface.Load() + 1, Data: []byte{1}}}); err != nil {
		return err
	}
	s.sleep(100 * time.Millisecond)
	return s.WaitForSafeState(10 * time.Second)
}
