package usb2snes

import (
	"errors"
	"fmt"
	"strings"
)

// FileType distinguishes directories from files in List results, matching
// the wire encoding ("0" directory, "1" file).
type FileType int

const (
	FileTypeDir  FileType = 0
	FileTypeFile FileType = 1
)

func (t FileType) String() string {
	if t == FileTypeDir {
		return "dir"
	}
	return "file"
}

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name string
	Type FileType
}

// List returns the entries of a directory on the device's SD card. The
// "." and ".." rows are filtered out. A missing directory anywhere along
// the path fails with ErrNotFound so callers (the upload preflight in
// particular) can branch on it.
func (s *Session) List(path string) ([]FileEntry, error) {
	cor, err := s.attached()
	if err != nil {
		return nil, err
	}
	if err := validateDirPath(path); err != nil {
		return nil, err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()
	return s.listChecked(cor, path)
}

func validateDirPath(path string) error {
	if path == "" || path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("usb2snes: List: path %q should start with \"/\"", path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("usb2snes: List: path %q should not end with \"/\"", path)
	}
	return nil
}

// listChecked walks each parent of path before listing it. The bridge
// replies with an empty or garbage listing for a missing directory rather
// than an error, so the only reliable not-found signal is the parent's own
// listing lacking the segment. Caller must hold the correlator lock.
func (s *Session) listChecked(cor *correlator, path string) ([]FileEntry, error) {
	if path == "" || path == "/" {
		return s.list(cor, path)
	}

	segments := strings.Split(strings.ToLower(path), "/")
	for i, node := range segments {
		if node == "" {
			continue
		}
		parent := strings.Join(segments[:i], "/")
		entries, err := s.list(cor, parent)
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range entries {
			if strings.ToLower(e.Name) == node {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("usb2snes: [%s] directory %s: %w", s.appName, path, ErrNotFound)
		}
	}
	return s.list(cor, path)
}

// list is the raw List round trip. Results alternate type,name pairs.
// Caller must hold the correlator lock.
func (s *Session) list(cor *correlator, path string) ([]FileEntry, error) {
	res, err := cor.roundTrip(Command{Opcode: opList, Space: SpaceSNES, Operands: []string{path}}, s.cfg.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if len(res.Results)%2 != 0 {
		return nil, fmt.Errorf("usb2snes: List %s: odd result count %d: %w", path, len(res.Results), ErrProtocol)
	}

	entries := make([]FileEntry, 0, len(res.Results)/2)
	for i := 0; i+1 < len(res.Results); i += 2 {
		name := res.Results[i+1]
		if name == "." || name == ".." {
			continue
		}
		t := FileTypeFile
		if res.Results[i] == "0" {
			t = FileTypeDir
		}
		entries = append(entries, FileEntry{Name: name, Type: t})
	}
	return entries, nil
}

// MakeDir creates a single directory level. The parent must already exist;
// creating it is the caller's job (the upload preflight only ever needs one
// level). Idempotent: an existing directory is left alone.
func (s *Session) MakeDir(path string) error {
	cor, err := s.attached()
	if err != nil {
		return err
	}
	if path == "" || path == "/" {
		return fmt.Errorf("usb2snes: MakeDir: path cannot be blank or \"/\"")
	}
	if err := validateDirPath(path); err != nil {
		return err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()

	// Confirm the parent first; MakeDir against a missing parent is one of
	// the silent-stall cases.
	if _, err := s.listChecked(cor, parentDir(path)); err != nil {
		return fmt.Errorf("usb2snes: MakeDir %s: %w", path, err)
	}
	_, err = s.listChecked(cor, path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("usb2snes: MakeDir %s: %w", path, err)
	}
	return s.makeDir(cor, path)
}

// makeDir is the raw MakeDir command; no reply. Caller must hold the
// correlator lock.
func (s *Session) makeDir(cor *correlator, path string) error {
	return cor.writeCommand(Command{Opcode: opMakeDir, Space: SpaceSNES, Operands: []string{path}})
}

// Remove deletes a file or an empty directory. The bridge acknowledges
// nothing here, so failures only show up on a later List.
func (s *Session) Remove(path string) error {
	cor, err := s.attached()
	if err != nil {
		return err
	}
	cor.mu.Lock()
	defer cor.mu.Unlock()
	return cor.writeCommand(Command{Opcode: opRemove, Space: SpaceSNES, Operands: []string{path}})
}

// parentDir returns the directory containing a remote path, "/" at the top.
func parentDir(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// baseName returns the final element of a remote path.
func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
