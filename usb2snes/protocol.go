package usb2snes

import (
	"fmt"
	"strconv"
)

// Space selects the protocol-level target domain for a Command.
type Space string

const (
	// SpaceSNES addresses console memory and the SD card filesystem.
	SpaceSNES Space = "SNES"
	// SpaceCMD addresses the bridge's command interface, used for the
	// sd2snes code-injection write path.
	SpaceCMD Space = "CMD"
)

// Opcodes understood by QUsb2Snes and compatible bridges.
const (
	opDeviceList = "DeviceList"
	opAttach     = "Attach"
	opName       = "Name"
	opInfo       = "Info"
	opBoot       = "Boot"
	opMenu       = "Menu"
	opReset      = "Reset"
	opGetAddress = "GetAddress"
	opPutAddress = "PutAddress"
	opGetFile    = "GetFile"
	opPutFile    = "PutFile"
	opList       = "List"
	opMakeDir    = "MakeDir"
	opRemove     = "Remove"
)

// Command is one outbound request in its JSON wire form. It is immutable
// once constructed and lives for the duration of a single round trip.
type Command struct {
	Opcode   string   `json:"Opcode"`
	Space    Space    `json:"Space"`
	Operands []string `json:"Operands,omitempty"`
}

// Result is the JSON reply shape shared by every command that replies.
type Result struct {
	Results []string `json:"Results"`
}

// Numeric operands travel as lower-case hex strings with no 0x prefix.
func hexOperand(v uint32) string {
	return strconv.FormatUint(uint64(v), 16)
}

// hexOperand64 formats file sizes, which unlike addresses are not confined
// to 32 bits.
func hexOperand64(v int64) string {
	return strconv.FormatInt(v, 16)
}

func parseHexOperand(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("usb2snes: malformed hex operand %q: %w", s, ErrProtocol)
	}
	return uint32(v), nil
}
