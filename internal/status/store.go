// Package status implements the persistent status-record store backing
// the task protocol. One record exists per (metric, client-context)
// session key, stored as a small text file whose first line carries the
// current status. The session worker owns sequential writes to its own
// record; the dispatcher reads and conditionally clears it.
package status

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jalmeida85/vector-pmda/internal/safe"
)

// Well-known status values. Anything else is a free-form progress
// message for the client to display verbatim.
const (
	StatusRequested = "REQUESTED"
	StatusDone      = "DONE"
	StatusError     = "ERROR"
	StatusIdle      = "IDLE"
	StatusUnknown   = "UNKNOWN"
)

// IsTerminal reports whether a record value marks a finished session:
// exactly "DONE", "DONE <arg>", or any "ERROR..." prefix. A busy key
// holds any other value.
func IsTerminal(value string) bool {
	if value == StatusDone || strings.HasPrefix(value, StatusDone+" ") {
		return true
	}
	return strings.HasPrefix(value, StatusError)
}

// Store is the file-backed status-record store. Admission and the
// one-shot DONE consumption are serialized per session key so that the
// busy-check and the subsequent state change are atomic.
type Store struct {
	root   string
	logger zerolog.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. The directory structure
// (<dir>/<metric>/) is created lazily on first write per metric.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		root:   dir,
		logger: logger.With().Str("component", "status_store").Logger(),
		keys:   make(map[string]*sync.Mutex),
	}
}

// Root returns the store's base directory. Artifacts share it, one
// subdirectory per metric.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(metric string, ctx int) string {
	return filepath.Join(s.root, metric, fmt.Sprintf("%s.%d.status", metric, ctx))
}

// keyLock returns the mutex guarding one session key, creating it on
// first use. Locks are never removed; the key space is small (metrics
// x connected clients).
func (s *Store) keyLock(metric string, ctx int) *sync.Mutex {
	key := fmt.Sprintf("%s.%d", metric, ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.keys[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.keys[key] = m
	return m
}

// Get reads the current record for a key. The second return is false
// when no record exists (the key is idle). A record that exists but
// cannot be read yields StatusUnknown, not an error, so a half-written
// or permission-broken record still registers as busy.
func (s *Store) Get(metric string, ctx int) (string, bool) {
	f, err := os.Open(s.path(metric, ctx))
	if err != nil {
		return "", false
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return StatusUnknown, true
	}
	line := strings.TrimRight(scanner.Text(), "\r\n")
	if line == "" {
		return StatusUnknown, true
	}
	return line, true
}

// Set writes a record value, replacing any previous value atomically.
// The per-metric directory is created on demand.
func (s *Store) Set(metric string, ctx int, value string) error {
	dir := filepath.Join(s.root, metric)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metric directory: %w", err)
	}
	if err := safe.WriteFileAtomic(s.path(metric, ctx), []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	return nil
}

// Clear removes a record, returning the key to idle. Clearing an
// absent record is not an error.
func (s *Store) Clear(metric string, ctx int) error {
	err := os.Remove(s.path(metric, ctx))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear status record: %w", err)
	}
	return nil
}

// Admit atomically transitions a key from absent-or-terminal to
// REQUESTED. It returns false when the key holds a non-terminal record,
// meaning a session is already in flight. The check and the write hold
// the key's lock, so two near-simultaneous admissions cannot both
// succeed.
func (s *Store) Admit(metric string, ctx int) (bool, error) {
	lock := s.keyLock(metric, ctx)
	lock.Lock()
	defer lock.Unlock()

	if value, ok := s.Get(metric, ctx); ok && !IsTerminal(value) {
		return false, nil
	}

	if err := s.Set(metric, ctx, StatusRequested); err != nil {
		return false, err
	}
	return true, nil
}

// Consume reads a record for a fetch. When the record is exactly DONE
// it is cleared under the key's lock, so the terminal signal is
// delivered to exactly one caller. ERROR and progress records are
// returned without clearing; an ERROR record is only replaced by the
// next admitted store.
func (s *Store) Consume(metric string, ctx int) (string, bool) {
	lock := s.keyLock(metric, ctx)
	lock.Lock()
	defer lock.Unlock()

	value, ok := s.Get(metric, ctx)
	if !ok {
		return "", false
	}
	if value == StatusDone {
		if err := s.Clear(metric, ctx); err != nil {
			s.logger.Warn().Err(err).Str("metric", metric).Int("ctx", ctx).
				Msg("failed to clear DONE record")
		}
	}
	return value, true
}

// Sweep removes all status records under the store root. The daemon
// runs it once at startup: records left behind by a previous instance
// describe workers that no longer exist.
func (s *Store) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*.status"))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove stale status record")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("swept stale status records")
	}
	return removed, nil
}
