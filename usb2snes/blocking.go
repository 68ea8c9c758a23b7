package usb2snes

import (
	"fmt"
	"log"
	"os"
	"time"
)

// transferTimeout scales a blocking-wrapper deadline with payload size so a
// 100 MB upload is not held to the same clock as a 100 KB one.
func transferTimeout(size int64, min, perMB time.Duration) time.Duration {
	d := time.Duration(float64(perMB) * float64(size) / float64(1<<20))
	if d < min {
		return min
	}
	return d
}

// PutFileBlocking uploads src to dst and gives up after timeout. A timeout
// of 0 selects max(MinTimeout, sizeMB*TimeoutPerMB).
//
// Expiry abandons only the wait: the transfer is not aborted at the
// transport level and its chunks may keep consuming wire bandwidth. The
// session is marked suspect and refuses further commands until it is
// disconnected and reconnected.
func (s *Session) PutFileBlocking(src, dst string, timeout time.Duration, progress Progress) error {
	if timeout <= 0 {
		st, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("usb2snes: PutFileBlocking: stat %s: %w", src, err)
		}
		timeout = transferTimeout(st.Size(), s.cfg.MinTimeout, s.cfg.TimeoutPerMB)
	}
	log.Printf("usb2snes: [%s] PutFileBlocking %s -> %s (timeout %v)", s.appName, src, dst, timeout)

	done := make(chan error, 1)
	go func() {
		done <- s.PutFile(src, dst, progress)
	}()

	select {
	case err := <-done:
		return err
	case <-s.after(timeout):
		s.suspect.Store(true)
		return fmt.Errorf("usb2snes: PutFile %s: no completion within %v: %w", dst, timeout, ErrTimeout)
	}
}

// GetFileBlocking downloads path and gives up after timeout; 0 selects the
// configured download default. The same session-poisoning rule as
// PutFileBlocking applies on expiry.
func (s *Session) GetFileBlocking(path string, timeout time.Duration, progress Progress) ([]byte, error) {
	if timeout <= 0 {
		timeout = s.cfg.DownloadTimeout
	}
	log.Printf("usb2snes: [%s] GetFileBlocking %s (timeout %v)", s.appName, path, timeout)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := s.GetFile(path, progress)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-s.after(timeout):
		s.suspect.Store(true)
		return nil, fmt.Errorf("usb2snes: GetFile %s: no completion within %v: %w", path, timeout, ErrTimeout)
	}
}
