// Package spool implements the on-disk batch spool shared by the receiver
// (writer) and the ingester (reader). One file per posted batch, contents
// are the literal POST body. The receiver never reads; the ingester reads
// only files older than an age threshold and deletes only files it has
// fully processed. Nobody updates a file in place.
package spool

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Suffix is the extension of every spooled batch.
const Suffix = ".json"

// Spool is a single directory of pending batch files.
type Spool struct {
	dir string
}

// New ensures dir exists and returns a spool over it.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Write persists one batch as {timestamp}_{source}_{suffix}.json, where the
// suffix is a random zero-padded 6-digit integer so concurrent writers under
// the same (timestamp, source) never collide. The payload is written to a
// temporary name, fsync'd, then renamed; a crash mid-write leaves no
// partial batch visible to readers.
func (s *Spool) Write(source string, timestamp int64, payload []byte) (string, error) {
	name := fmt.Sprintf("%d_%s_%06d%s", timestamp, source, rand.Intn(1000000), Suffix)
	final := filepath.Join(s.dir, name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	// The 200 response is the agent's permission to drop its copy, so the
	// batch must be on stable storage first.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("syncing spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("closing spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming spool file: %w", err)
	}
	return name, nil
}

// List returns up to limit batch file names whose modification age is at
// least minAge, sorted by name. Names start with the millisecond batch
// timestamp, so name order is arrival order. limit <= 0 means no limit.
func (s *Spool) List(minAge time.Duration, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	cutoff := time.Now().Add(-minAge)

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Deleted between ReadDir and Stat; another reader got it.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// Count returns the number of batch files at least minAge old.
func (s *Spool) Count(minAge time.Duration) (int, error) {
	names, err := s.List(minAge, 0)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Read returns the contents of one spooled batch.
func (s *Spool) Read(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, name))
}

// Remove deletes a fully processed batch file.
func (s *Spool) Remove(name string) error {
	return os.Remove(filepath.Join(s.dir, name))
}
