// Command sfc is a thin CLI over the usb2snes client: list devices, browse
// the SD card, move files, boot ROMs.
//
//	sfc [-url ws://localhost:8080] [-device NAME] <command> [args]
//
//	devices              list attachable devices
//	info                 firmware and ROM state
//	ls PATH              list a directory
//	get REMOTE LOCAL     download a file
//	put LOCAL REMOTE     upload a file
//	rm PATH              remove a file
//	mkdir PATH           create a directory
//	boot PATH            boot a ROM
//	reset                reset the running ROM
//	menu                 return to the device menu
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Belthasaran/rhplay-sub001/usb2snes"
)

func main() {
	url := flag.String("url", "ws://localhost:8080", "bridge websocket endpoint")
	device := flag.String("device", "", "device to attach to (default: first listed)")
	chunkSize := flag.Int("chunk", 0, "upload chunk size in bytes")
	noVerify := flag.Bool("no-verify", false, "skip the post-upload existence check")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := usb2snes.DefaultConfig()
	cfg.ChunkSize = *chunkSize
	cfg.SkipUploadVerification = *noVerify

	if err := run(cfg, *url, *device, flag.Args()); err != nil {
		log.Fatalf("sfc: %v", err)
	}
}

func run(cfg usb2snes.Config, url, device string, args []string) error {
	s := usb2snes.New(cfg)
	if err := s.Connect(context.Background(), url); err != nil {
		return err
	}
	defer s.Disconnect()

	cmd := args[0]
	if cmd == "devices" {
		devices, err := s.DeviceList()
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return nil
	}

	if device == "" {
		devices, err := s.DeviceList()
		if err != nil {
			return err
		}
		device = devices[0]
	}
	if err := s.Attach(device); err != nil {
		return err
	}

	switch cmd {
	case "info":
		info, err := s.Info()
		if err != nil {
			return err
		}
		fmt.Printf("firmware: %s\nversion:  %s\nrom:      %s\n", info.FirmwareVersion, info.VersionString, info.RomRunning)
		return nil

	case "ls":
		entries, err := s.List(arg(args, 1, "/"))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-4s %s\n", e.Type, e.Name)
		}
		return nil

	case "get":
		if len(args) < 3 {
			return fmt.Errorf("usage: sfc get REMOTE LOCAL")
		}
		data, err := s.GetFileBlocking(args[1], 0, logProgress("get"))
		if err != nil {
			return err
		}
		return os.WriteFile(args[2], data, 0o644)

	case "put":
		if len(args) < 3 {
			return fmt.Errorf("usage: sfc put LOCAL REMOTE")
		}
		return s.PutFileBlocking(args[1], args[2], 0, logProgress("put"))

	case "rm":
		return s.Remove(arg(args, 1, ""))

	case "mkdir":
		return s.MakeDir(arg(args, 1, ""))

	case "boot":
		return s.Boot(arg(args, 1, ""))

	case "reset":
		return s.Reset()

	case "menu":
		return s.Menu()

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

// logProgress prints one line per 10% step.
func logProgress(verb string) usb2snes.Progress {
	last := -1
	return func(transferred, total int64) {
		if total == 0 {
			return
		}
		pct := int(transferred * 100 / total)
		if pct/10 > last/10 || pct == 100 && last != 100 {
			log.Printf("sfc: %s %d%% (%d/%d bytes)", verb, pct, transferred, total)
			last = pct
		}
	}
}
