package usb2snes

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// Progress is invoked as a transfer advances with the bytes moved so far
// and the total expected.
type Progress func(transferred, total int64)

const (
	drainPollInterval   = 2 * time.Millisecond
	progressLogStride   = 512 << 10
	progressLogMinTotal = 1 << 20
)

// transferJob is the ephemeral state of one upload or download.
// transferred increases monotonically and must equal total exactly at
// normal completion.
type transferJob struct {
	id          string
	src, dst    string
	total       int64
	transferred int64
	started     time.Time
	lastLogged  int64
}

func newTransferJob(src, dst string, total int64) *transferJob {
	return &transferJob{
		id:      uuid.NewString()[:8],
		src:     src,
		dst:     dst,
		total:   total,
		started: time.Now(),
	}
}

// advance records n more bytes and emits a progress log line every 512 KiB
// on transfers over 1 MiB.
func (j *transferJob) advance(n int64, verb string) {
	j.transferred += n
	if j.total >= progressLogMinTotal && j.transferred-j.lastLogged >= progressLogStride {
		log.Printf("usb2snes: transfer %s: %s %d%% (%d/%d bytes)",
			j.id, verb, j.transferred*100/j.total, j.transferred, j.total)
		j.lastLogged = j.transferred
	}
}

// PutFile uploads the local file src to the device path dst. progress may
// be nil.
//
// The bridge sends no acknowledgement of any kind during the upload, not
// per chunk and not at the end, and it silently stalls instead of erroring when
// the destination directory does not exist. All reliability is therefore
// client-side: the directory preflight runs before the transfer touches
// the wire, chunk pacing is bounded by the channel's outbound occupancy,
// and completion is established by byte count plus a follow-up listing.
func (s *Session) PutFile(src, dst string, progress Progress) error {
	cor, err := s.attached()
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("usb2snes: PutFile: open %s: %w", src, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("usb2snes: PutFile: stat %s: %w", src, err)
	}
	size := st.Size()

	cor.mu.Lock()
	defer cor.mu.Unlock()

	if !s.cfg.SkipDirectoryPreflight {
		if err = s.preflightDir(cor, dst); err != nil {
			return err
		}
	}

	job := newTransferJob(src, dst, size)
	log.Printf("usb2snes: [%s] transfer %s: PutFile %s -> %s (%d bytes)", s.appName, job.id, src, dst, size)
	if progress != nil {
		progress(0, size)
	}

	cmd := Command{Opcode: opPutFile, Space: SpaceSNES, Operands: []string{dst, hexOperand64(size)}}
	if err = cor.writeCommand(cmd); err != nil {
		return err
	}

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err = s.waitForDrain(cor.ch); err != nil {
				return fmt.Errorf("usb2snes: PutFile %s: %w", dst, err)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err = cor.ch.SendBinary(chunk); err != nil {
				return fmt.Errorf("usb2snes: PutFile %s: send chunk: %w: %v", dst, ErrConnection, err)
			}
			job.advance(int64(n), "sent")
			if progress != nil {
				progress(job.transferred, size)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("usb2snes: PutFile: read %s: %w", src, rerr)
		}
	}

	if job.transferred != size {
		return fmt.Errorf("usb2snes: PutFile %s: sent %d of %d bytes: %w", dst, job.transferred, size, ErrTransferIncomplete)
	}
	log.Printf("usb2snes: [%s] transfer %s: sent %d bytes in %v", s.appName, job.id, job.transferred, time.Since(job.started))

	if !s.cfg.SkipUploadVerification {
		if err = s.verifyUpload(cor, dst); err != nil {
			return err
		}
	}
	return nil
}

// waitForDrain blocks while outbound occupancy exceeds the backpressure
// threshold. There is no flow-control signal in the protocol; bounding the
// amount of in-flight unacknowledged data is the only safe pacing. Callers
// that need a cap on this wait use the blocking wrappers. The channel is
// passed in so an abandoned upload keeps polling the channel it started
// on even while the session reconnects.
func (s *Session) waitForDrain(ch Channel) error {
	for ch.Buffered() > s.cfg.BackpressureThreshold {
		if err := ch.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
		s.sleep(drainPollInterval)
	}
	return nil
}

// preflightDir confirms dst's parent directory exists, creating it if the
// listing says otherwise. Runs before any transfer byte so a missing
// directory fails fast instead of hanging the upload. Caller must hold the
// correlator lock.
func (s *Session) preflightDir(cor *correlator, dst string) error {
	parent := parentDir(dst)
	if parent == "/" {
		return nil
	}

	if _, err := s.listChecked(cor, parent); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrProtocol) {
		return fmt.Errorf("usb2snes: PutFile %s: preflight: %w: %v", dst, ErrDirectory, err)
	}

	log.Printf("usb2snes: [%s] creating directory %s", s.appName, parent)
	if err := s.makeDir(cor, parent); err != nil {
		return fmt.Errorf("usb2snes: PutFile %s: create directory %s: %w: %v", dst, parent, ErrDirectory, err)
	}
	// The bridge does not reply to MakeDir; the re-listing doubles as its
	// acknowledgement.
	if _, err := s.listChecked(cor, parent); err != nil {
		return fmt.Errorf("usb2snes: PutFile %s: directory %s still missing after MakeDir: %w: %v", dst, parent, ErrDirectory, err)
	}
	return nil
}

// verifyUpload lists the destination directory after a settle delay and
// requires the uploaded name to be present. Caller must hold the
// correlator lock.
func (s *Session) verifyUpload(cor *correlator, dst string) error {
	s.sleep(s.cfg.SettleDelay)

	entries, err := s.listChecked(cor, parentDir(dst))
	if err != nil {
		return fmt.Errorf("usb2snes: PutFile %s: %w: %v", dst, ErrVerification, err)
	}
	name := baseName(dst)
	for _, e := range entries {
		if e.Name == name {
			log.Printf("usb2snes: [%s] upload verified: %s", s.appName, dst)
			return nil
		}
	}
	return fmt.Errorf("usb2snes: PutFile %s: file missing from listing after upload: %w", dst, ErrVerification)
}

// GetFile downloads a file from the device. The bridge announces the size
// as a hex string in the JSON reply, then streams binary frames with no
// further framing; accumulation stops at exactly the announced size.
// progress may be nil.
func (s *Session) GetFile(path string, progress Progress) ([]byte, error) {
	cor, err := s.attached()
	if err != nil {
		return nil, err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	res, err := cor.roundTrip(Command{Opcode: opGetFile, Space: SpaceSNES, Operands: []string{path}}, s.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("usb2snes: GetFile %s: %w", path, err)
	}
	if len(res.Results) == 0 {
		return nil, fmt.Errorf("usb2snes: GetFile %s: reply missing size: %w", path, ErrProtocol)
	}
	size, err := parseHexOperand(res.Results[0])
	if err != nil {
		return nil, fmt.Errorf("usb2snes: GetFile %s: %w", path, err)
	}

	job := newTransferJob(path, "", int64(size))
	log.Printf("usb2snes: [%s] transfer %s: GetFile %s (%d bytes)", s.appName, job.id, path, size)

	var wrapped func(got, total int)
	if progress != nil || size >= progressLogMinTotal {
		prev := 0
		wrapped = func(got, total int) {
			job.advance(int64(got-prev), "received")
			prev = got
			if progress != nil {
				progress(int64(got), int64(total))
			}
		}
	}

	// Per-frame waits get double the reply timeout: data frames trail the
	// size reply by the device's SD read latency.
	data, err := cor.collectBinary(opGetFile, int(size), 2*s.cfg.ReplyTimeout, wrapped)
	if err != nil {
		return nil, fmt.Errorf("usb2snes: GetFile %s: %w", path, err)
	}
	log.Printf("usb2snes: [%s] transfer %s: received %d bytes in %v", s.appName, job.id, len(data), time.Since(job.started))
	return data, nil
}
