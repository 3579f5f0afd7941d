package symbolmap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jalmeida85/vector-pmda/internal/privilege"
	"github.com/jalmeida85/vector-pmda/internal/safe"
	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
)

// rawSuffix marks the renamed live log. V8 keeps its file descriptor
// open across the rename and continues appending there, which leaves
// the canonical path free for the compacted map this package owns.
const rawSuffix = ".raw"

// mapEntry is one parsed symbol map line: start address, size, name.
type mapEntry struct {
	addr uint64
	size uint64
	name string
}

// reconcileNode derives the canonical map for one node process from
// the live symbol log written under --perf-basic-prof. Without that
// flag there is no log and the result degrades to a sentinel.
func (r *Reconciler) reconcileNode(ctx context.Context, target Target) error {
	if target.Containerized() {
		return r.reconcileNodeContainer(ctx, target)
	}
	return r.reconcileNodeHost(target)
}

func (r *Reconciler) reconcileNodeHost(target Target) error {
	mapPath := r.MapPath(target.HostPID)
	rawPath := mapPath + rawSuffix

	// Pid-keyed files can outlive the process that produced them and a
	// later process may reuse the pid. Anything older than the target's
	// start time belongs to a previous process and is discarded instead
	// of trusted.
	started, startErr := proc.StartTime(target.HostPID)
	if startErr == nil {
		if err := discardOlderThan(rawPath, started); err != nil {
			return err
		}
	}

	// First reconciliation moves the live log aside. Later passes find
	// the renamed file already present and just re-compact it, picking
	// up whatever the runtime appended since.
	if _, err := os.Lstat(rawPath); err != nil {
		fi, err := os.Lstat(mapPath)
		if err != nil {
			return fmt.Errorf("node symbol logging not enabled (no %s)", mapPath)
		}
		if startErr == nil && fi.ModTime().Before(started) {
			return fmt.Errorf("node symbol logging not enabled (%s predates pid %d)", mapPath, target.HostPID)
		}
		// A sentinel left by an earlier degraded pass is this package's
		// own output, not a live V8 log.
		if content, err := safe.ReadFile(mapPath, nil); err == nil && IsSentinel(content) {
			return fmt.Errorf("node symbol logging not enabled (no live log for pid %d)", target.HostPID)
		}
		if err := os.Rename(mapPath, rawPath); err != nil {
			return fmt.Errorf("failed to take over live symbol log: %w", err)
		}
	}

	data, err := safe.ReadFile(rawPath, nil)
	if err != nil {
		return fmt.Errorf("failed to read live symbol log: %w", err)
	}

	return r.publishCompacted(mapPath, data)
}

// discardOlderThan removes path when it was last written before cutoff.
func discardOlderThan(path string, cutoff time.Time) error {
	fi, err := os.Lstat(path)
	if err != nil || !fi.ModTime().Before(cutoff) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard stale symbol log snapshot: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileNodeContainer(_ context.Context, target Target) error {
	// The live log lives at the container-local path keyed by the
	// in-namespace pid. Snapshot it out through the filesystem view,
	// then compact exactly as on the host.
	innerLog := proc.RootPath(target.HostPID, filepath.Join("tmp", fmt.Sprintf("perf-%d.map", target.NSPID)))

	data, err := safe.ReadFile(innerLog, nil)
	if err != nil {
		return fmt.Errorf("node symbol logging not enabled in container (no %s)", innerLog)
	}

	return r.publishCompacted(r.MapPath(target.HostPID), data)
}

// publishCompacted compacts raw log content and atomically publishes
// the canonical map, owned by the privileged sampler user.
func (r *Reconciler) publishCompacted(mapPath string, raw []byte) error {
	entries, dropped := compactEntries(raw)
	if len(entries) == 0 {
		return fmt.Errorf("live symbol log contained no valid entries")
	}
	if dropped > 0 {
		r.logger.Debug().Int("dropped", dropped).Str("map", mapPath).
			Msg("dropped malformed or superseded symbol log lines")
	}

	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%x %x %s\n", e.addr, e.size, e.name)
	}

	if err := safe.WriteFileAtomic(mapPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to publish compacted map: %w", err)
	}
	return privilege.RestoreRootOwnership(mapPath)
}

// compactEntries parses, validates and deduplicates live log lines.
// The log is append-only: a JIT that recompiles a function appends a
// new entry for the same address, so the last occurrence wins. Output
// is sorted by address. The second return counts discarded lines.
func compactEntries(raw []byte) ([]mapEntry, int) {
	latest := make(map[uint64]mapEntry)
	dropped := 0

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := parseMapLine(scanner.Text())
		if !ok {
			dropped++
			continue
		}
		if _, seen := latest[entry.addr]; seen {
			dropped++
		}
		latest[entry.addr] = entry
	}

	entries := make([]mapEntry, 0, len(latest))
	for _, e := range latest {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	return entries, dropped
}

// parseMapLine parses "ADDR SIZE name..." with hex addr/size. Names
// may contain spaces; everything after the second field is the name.
func parseMapLine(line string) (mapEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return mapEntry{}, false
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 || fields[2] == "" {
		return mapEntry{}, false
	}

	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return mapEntry{}, false
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil || size == 0 {
		return mapEntry{}, false
	}

	return mapEntry{addr: addr, size: size, name: fields[2]}, true
}
