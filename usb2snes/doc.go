// Package usb2snes is a client for the USB2SNES/QUsb2Snes bridge protocol:
// a single persistent websocket carrying alternating JSON control frames
// ({"Opcode","Space","Operands"}) and raw binary payload frames, used to
// read and write the memory of a SNES console or emulator and to move
// files to and from its SD card.
//
// The protocol has no request IDs, no per-chunk acknowledgement and no
// error reply for several failure modes (it hangs instead), so the client
// carries all of the reliability: a single-flight lock serializes commands
// onto the wire, uploads are paced against outbound buffer occupancy,
// destination directories are confirmed before a transfer starts, and
// completion is established by byte count plus a follow-up listing.
//
// A typical exchange:
//
//	s := usb2snes.New(usb2snes.DefaultConfig())
//	if err := s.Connect(ctx, "ws://localhost:8080"); err != nil { ... }
//	defer s.Disconnect()
//	devices, _ := s.DeviceList()
//	_ = s.Attach(devices[0])
//	data, _ := s.GetAddress(usb2snes.WRAMStart, 0x100)
package usb2snes
