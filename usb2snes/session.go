package usb2snes

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState is the session lifecycle state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Attached
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Attached:
		return "attached"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Config carries the tunables of one Session. The zero value of any field
// is replaced with its default on New.
type Config struct {
	// ClientName is announced to the bridge on connect; a short unique
	// suffix is appended so multiple sessions are tellable apart.
	ClientName string

	// ChunkSize bounds each binary frame of a file upload. 1024 gives the
	// bridge room to drain; raise to 4096 on a stable connection.
	ChunkSize int

	// BackpressureThreshold is the outbound-buffer occupancy above which
	// upload chunk sends pause until the buffer drains.
	BackpressureThreshold int

	// ReplyTimeout bounds each wait for a JSON reply or binary frame.
	ReplyTimeout time.Duration

	// MinTimeout and TimeoutPerMB size the PutFileBlocking deadline:
	// max(MinTimeout, payloadMB*TimeoutPerMB).
	MinTimeout   time.Duration
	TimeoutPerMB time.Duration

	// DownloadTimeout is the GetFileBlocking default deadline.
	DownloadTimeout time.Duration

	// SettleDelay is how long to wait after the last upload chunk before
	// the verification List, giving the device time to finish writing.
	SettleDelay time.Duration

	// SkipDirectoryPreflight disables confirming (and if needed creating)
	// the destination directory before an upload touches the wire. The
	// bridge gives no error when asked to write into a missing directory;
	// it silently stalls, and the preflight turns that hang into a fast
	// failure. The zero value keeps the preflight on.
	SkipDirectoryPreflight bool

	// SkipUploadVerification disables listing the destination directory
	// after an upload to confirm the file is present. The zero value keeps
	// the verification on.
	SkipUploadVerification bool
}

// DefaultConfig returns the tunables every known bridge tolerates.
func DefaultConfig() Config {
	return Config{
		ClientName:            "rhplay",
		ChunkSize:             1024,
		BackpressureThreshold: 16 << 10,
		ReplyTimeout:          5 * time.Second,
		MinTimeout:            30 * time.Second,
		TimeoutPerMB:          10 * time.Second,
		DownloadTimeout:       5 * time.Minute,
		SettleDelay:           time.Second,
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.ClientName == "" {
		c.ClientName = def.ClientName
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = def.BackpressureThreshold
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = def.MinTimeout
	}
	if c.TimeoutPerMB <= 0 {
		c.TimeoutPerMB = def.TimeoutPerMB
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
}

// Info is the parsed reply of the Info opcode.
type Info struct {
	FirmwareVersion string
	VersionString   string
	RomRunning      string
	Flag1           string
	Flag2           string
}

// Session owns one connection to a USB2SNES bridge. All operations on a
// Session may be called concurrently; they are serialized onto the wire by
// the correlator's single-flight lock. Each Session is independent, so
// multiple Sessions may coexist in one process.
type Session struct {
	cfg     Config
	appName string

	// Dial opens the underlying channel; tests swap in a mock.
	Dial DialFunc

	lifecycle sync.Mutex
	state     atomic.Int32
	cor       *correlator
	device    string
	isSD2SNES atomic.Bool

	// suspect is set when a blocking wrapper abandons a transfer; the
	// in-flight bytes may still be arriving, so the connection cannot be
	// trusted until it is torn down and reopened.
	suspect atomic.Bool

	// savestate interface location depends on firmware version, see
	// savestate.go.
	savestateInterface atomic.Uint32

	after func(time.Duration) <-chan time.Time
	sleep func(time.Duration)
}

// New creates a disconnected Session. Zero-valued Config fields take their
// defaults.
func New(cfg Config) *Session {
	cfg.fillDefaults()
	s := &Session{
		cfg:     cfg,
		appName: fmt.Sprintf("%s-%s", cfg.ClientName, uuid.NewString()[:8]),
		Dial:    DialWebSocket,
		after:   time.After,
		sleep:   time.Sleep,
	}
	s.savestateInterface.Store(savestateInterfaceOld)
	return s
}

// Config returns the session's effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State reports the current lifecycle state.
func (s *Session) State() ConnState { return ConnState(s.state.Load()) }

// Device returns the identifier passed to Attach, or "" when detached.
func (s *Session) Device() string {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.device
}

// Connect dials the bridge and announces the client name. The url is the
// bridge's websocket endpoint, e.g. "ws://localhost:8080".
func (s *Session) Connect(ctx context.Context, url string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != Disconnected {
		return fmt.Errorf("usb2snes: [%s] already connected", s.appName)
	}

	log.Printf("usb2snes: [%s] dial %s", s.appName, url)
	s.state.Store(int32(Connecting))
	ch, err := s.Dial(ctx, url)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("usb2snes: [%s] connect: %w: %v", s.appName, ErrConnection, err)
	}

	s.cor = newCorrelator(ch)
	s.state.Store(int32(Connected))
	s.suspect.Store(false)

	// Name has no reply; it just labels this client in the bridge UI.
	s.cor.mu.Lock()
	err = s.cor.writeCommand(Command{Opcode: opName, Space: SpaceSNES, Operands: []string{s.appName}})
	s.cor.mu.Unlock()
	if err != nil {
		s.teardownLocked()
		return err
	}
	return nil
}

// Disconnect tears the connection down. Safe to call at any state.
func (s *Session) Disconnect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardownLocked()
	return nil
}

func (s *Session) teardownLocked() {
	if s.cor != nil {
		log.Printf("usb2snes: [%s] close channel", s.appName)
		s.cor.stop()
	}
	s.cor = nil
	s.device = ""
	s.isSD2SNES.Store(false)
	s.state.Store(int32(Disconnected))
}

// connected gates operations that need a live channel and hands them a
// snapshot of the correlator. Operations work against the snapshot for
// their whole duration so a concurrent Disconnect cannot pull the fields
// out from under an in-flight transfer; the torn-down channel fails their
// next wire call with ErrConnection instead. A session poisoned by a
// wrapper timeout refuses all commands until reconnected.
func (s *Session) connected() (*correlator, error) {
	if s.suspect.Load() {
		return nil, fmt.Errorf("usb2snes: [%s] session abandoned after timeout, reconnect required: %w", s.appName, ErrConnection)
	}
	if st := s.State(); st != Connected && st != Attached {
		return nil, fmt.Errorf("usb2snes: [%s] not connected (state %s): %w", s.appName, st, ErrConnection)
	}
	s.lifecycle.Lock()
	cor := s.cor
	s.lifecycle.Unlock()
	if cor == nil {
		return nil, fmt.Errorf("usb2snes: [%s] not connected: %w", s.appName, ErrConnection)
	}
	return cor, nil
}

func (s *Session) attached() (*correlator, error) {
	cor, err := s.connected()
	if err != nil {
		return nil, err
	}
	if s.State() != Attached {
		return nil, fmt.Errorf("usb2snes: [%s] %w", s.appName, ErrNotAttached)
	}
	return cor, nil
}

// DeviceList asks the bridge which devices are available to attach to.
func (s *Session) DeviceList() ([]string, error) {
	cor, err := s.connected()
	if err != nil {
		return nil, err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	res, err := cor.roundTrip(Command{Opcode: opDeviceList, Space: SpaceSNES}, s.cfg.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, fmt.Errorf("usb2snes: [%s] DeviceList: %w", s.appName, ErrNoDevice)
	}
	return res.Results, nil
}

// Attach binds the session to one device from DeviceList. The bridge sends
// no reply; a following Info round trip is the usual liveness check.
func (s *Session) Attach(device string) error {
	cor, err := s.connected()
	if err != nil {
		return err
	}
	cor.mu.Lock()
	err = cor.writeCommand(Command{Opcode: opAttach, Space: SpaceSNES, Operands: []string{device}})
	cor.mu.Unlock()
	if err != nil {
		return err
	}

	s.lifecycle.Lock()
	s.device = device
	s.lifecycle.Unlock()
	s.isSD2SNES.Store(isSD2SNESDevice(device))
	s.state.Store(int32(Attached))
	log.Printf("usb2snes: [%s] attached to %s", s.appName, device)
	return nil
}

// sd2snes hardware needs the CMD-space write path; emulator bridges take
// plain SNES-space writes.
func isSD2SNESDevice(device string) bool {
	if strings.Contains(strings.ToLower(device), "sd2snes") {
		return true
	}
	// Windows serial ports show up as COM1..COM9.
	return len(device) == 4 && strings.HasPrefix(strings.ToUpper(device), "COM")
}

// Detach drops back to the connected state.
// TODO: send a real Detach once QUsb2Snes grows such a command; today the
// bridge only ever re-attaches.
func (s *Session) Detach() {
	s.lifecycle.Lock()
	s.device = ""
	s.lifecycle.Unlock()
	s.isSD2SNES.Store(false)
	if s.State() == Attached {
		s.state.Store(int32(Connected))
	}
}

// Info queries firmware and ROM state of the attached device. The firmware
// version also selects the savestate interface location.
func (s *Session) Info() (Info, error) {
	var info Info
	cor, err := s.attached()
	if err != nil {
		return info, err
	}
	device := s.Device()
	cor.mu.Lock()
	res, err := cor.roundTrip(Command{Opcode: opInfo, Space: SpaceSNES, Operands: []string{device}}, s.cfg.ReplyTimeout)
	cor.mu.Unlock()
	if err != nil {
		return info, err
	}

	info = Info{
		FirmwareVersion: resultAt(res.Results, 0),
		VersionString:   resultAt(res.Results, 1),
		RomRunning:      resultAt(res.Results, 2),
		Flag1:           resultAt(res.Results, 3),
		Flag2:           resultAt(res.Results, 4),
	}
	s.setFirmwareVersion(info.FirmwareVersion)
	return info, nil
}

func resultAt(results []string, i int) string {
	if i < len(results) {
		return results[i]
	}
	return ""
}

// Name re-announces the client name shown in the bridge UI. Connect sends
// an initial announcement automatically; call this to change it. No reply.
func (s *Session) Name(name string) error {
	cor, err := s.connected()
	if err != nil {
		return err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()
	return cor.writeCommand(Command{Opcode: opName, Space: SpaceSNES, Operands: []string{name}})
}

// Boot loads and starts the named ROM on the device. No reply.
func (s *Session) Boot(path string) error {
	return s.sendControl(Command{Opcode: opBoot, Space: SpaceSNES, Operands: []string{path}})
}

// Menu returns the device to its menu. No reply.
func (s *Session) Menu() error {
	return s.sendControl(Command{Opcode: opMenu, Space: SpaceSNES})
}

// Reset resets the running ROM. No reply.
func (s *Session) Reset() error {
	return s.sendControl(Command{Opcode: opReset, Space: SpaceSNES})
}

func (s *Session) sendControl(cmd Command) error {
	cor, err := s.attached()
	if err != nil {
		return err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()
	return cor.writeCommand(cmd)
}
