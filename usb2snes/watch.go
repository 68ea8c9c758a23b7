package usb2snes

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"
)

// WatchChange reports one range whose contents differed between two polls.
type WatchChange struct {
	Index int
	Range AddressRange
	Old   []byte
	New   []byte
}

// Watcher polls a set of memory ranges with one batched read per tick and
// reports changes. Poll errors are logged and skipped; the watcher keeps
// running until Stop.
type Watcher struct {
	s        *Session
	ranges   []AddressRange
	pollRate time.Duration
	onChange func([]WatchChange)

	mu      sync.Mutex
	prev    [][]byte
	quit    chan struct{}
	running bool
}

// NewWatcher creates a stopped watcher. pollRate defaults to 100ms.
func (s *Session) NewWatcher(ranges []AddressRange, pollRate time.Duration, onChange func([]WatchChange)) *Watcher {
	if pollRate <= 0 {
		pollRate = 100 * time.Millisecond
	}
	return &Watcher{s: s, ranges: ranges, pollRate: pollRate, onChange: onChange}
}

// Start takes an initial snapshot and begins polling.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	initial, err := w.s.GetAddresses(w.ranges)
	if err != nil {
		return err
	}
	w.prev = initial
	w.quit = make(chan struct{})
	w.running = true
	log.Printf("usb2snes: watcher started (%d ranges, %v poll rate)", len(w.ranges), w.pollRate)
	go w.pollLoop(w.quit)
	return nil
}

func (w *Watcher) pollLoop(quit chan struct{}) {
	t := time.NewTicker(w.pollRate)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
		}

		current, err := w.s.GetAddresses(w.ranges)
		if err != nil {
			log.Printf("usb2snes: watcher poll: %v", err)
			continue
		}

		w.mu.Lock()
		var changes []WatchChange
		for i := range current {
			if !bytes.Equal(w.prev[i], current[i]) {
				changes = append(changes, WatchChange{
					Index: i,
					Range: w.ranges[i],
					Old:   w.prev[i],
					New:   current[i],
				})
			}
		}
		w.prev = current
		w.mu.Unlock()

		if len(changes) > 0 && w.onChange != nil {
			w.onChange(changes)
		}
	}
}

// Stop halts polling. Values stays readable afterwards.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.quit)
	w.running = false
	log.Printf("usb2snes: watcher stopped")
}

// Values returns the most recent snapshot, one slice per range.
func (w *Watcher) Values() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.prev))
	copy(out, w.prev)
	return out
}

// Condition pairs a memory range with a predicate over its contents.
type Condition struct {
	Range AddressRange
	Pred  func([]byte) bool
}

// WatchForValue polls one address until pred accepts its contents, and
// returns the accepted value. A zero timeout waits forever.
func (s *Session) WatchForValue(address, size uint32, pred func([]byte) bool, timeout, pollRate time.Duration) ([]byte, error) {
	if pollRate <= 0 {
		pollRate = 100 * time.Millisecond
	}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("usb2snes: watch of %06x: %w", address, ErrTimeout)
		}
		v, err := s.GetAddress(address, size)
		if err != nil {
			return nil, err
		}
		if pred(v) {
			return v, nil
		}
		s.sleep(pollRate)
	}
}

// WatchForConditions polls all ranges in one batch per tick until every
// predicate holds at once, and returns that snapshot.
func (s *Session) WatchForConditions(conds []Condition, timeout, pollRate time.Duration) ([][]byte, error) {
	if pollRate <= 0 {
		pollRate = 100 * time.Millisecond
	}
	ranges := make([]AddressRange, len(conds))
	for i, c := range conds {
		ranges[i] = c.Range
	}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("usb2snes: watch of %d conditions: %w", len(conds), ErrTimeout)
		}
		values, err := s.GetAddresses(ranges)
		if err != nil {
			return nil, err
		}
		met := true
		for i, c := range conds {
			if !c.Pred(values[i]) {
				met = false
				break
			}
		}
		if met {
			return values, nil
		}
		s.sleep(pollRate)
	}
}
