// Package proc provides utilities for process discovery on Linux systems.
// It parses the /proc filesystem for process identity, ownership and
// PID-namespace information needed to scope profiling sessions.
package proc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Root is the procfs mount point. Overridable in tests.
var Root = "/proc"

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir(Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", Root, err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		// Parse PID from directory name.
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}

		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	// Sort PIDs (lowest first).
	sort.Ints(pids)

	return pids, nil
}

// Comm returns the short command name of the process from /proc/[pid]/comm.
func Comm(pid int) (string, error) {
	//nolint:gosec // G304: Path is constructed from a numeric PID.
	data, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// BinaryPath returns the path to the executable for the given PID.
func BinaryPath(pid int) (string, error) {
	return os.Readlink(filepath.Join(Root, strconv.Itoa(pid), "exe"))
}

// RootPath returns the process's view of the filesystem root. For a
// containerized process this resolves paths inside the container's
// mount namespace without entering it.
func RootPath(pid int, path string) string {
	return filepath.Join(Root, strconv.Itoa(pid), "root", path)
}

// NamespacePID returns the innermost PID-namespace id of the process.
// It parses the NSpid line of /proc/[pid]/status; the first field is
// the host pid, the last is the pid as seen inside the process's own
// namespace. For a process with no nesting the returned value equals
// the input, which is exactly how callers detect a non-containerized
// target.
func NamespacePID(hostPID int) (int, error) {
	//nolint:gosec // G304: Path is constructed from a numeric PID.
	f, err := os.Open(filepath.Join(Root, strconv.Itoa(hostPID), "status"))
	if err != nil {
		return 0, fmt.Errorf("failed to read process status: %w", err)
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "NSpid:") {
			continue
		}
		return ParseNSpid(line)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	// Old kernels (< 4.1) have no NSpid line; treat as un-nested.
	return hostPID, nil
}

// ParseNSpid extracts the innermost pid from an "NSpid:" status line.
func ParseNSpid(line string) (int, error) {
	fields := strings.Fields(strings.TrimPrefix(line, "NSpid:"))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed NSpid line: %q", line)
	}

	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("malformed NSpid entry %q: %w", fields[len(fields)-1], err)
	}
	return pid, nil
}

// OwnerUID returns the real uid and gid owning the process, from the
// Uid/Gid lines of /proc/[pid]/status.
func OwnerUID(pid int) (uid, gid int, err error) {
	//nolint:gosec // G304: Path is constructed from a numeric PID.
	f, err := os.Open(filepath.Join(Root, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read process status: %w", err)
	}
	defer f.Close() // nolint:errcheck

	uid, gid = -1, -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			uid, err = firstField(line, "Uid:")
		case strings.HasPrefix(line, "Gid:"):
			gid, err = firstField(line, "Gid:")
		}
		if err != nil {
			return 0, 0, err
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}

	if uid < 0 || gid < 0 {
		return 0, 0, fmt.Errorf("no Uid/Gid entry for pid %d", pid)
	}
	return uid, gid, nil
}

func firstField(line, prefix string) (int, error) {
	fields := strings.Fields(strings.TrimPrefix(line, prefix))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed status line: %q", line)
	}
	return strconv.Atoi(fields[0])
}

// CgroupPath returns the cgroup path of the process for the named
// controller (e.g. "perf_event"), parsed from /proc/[pid]/cgroup.
// For cgroup v2 unified hierarchies the controller name is empty in
// the file, so an empty match is used as a fallback.
func CgroupPath(pid int, controller string) (string, error) {
	//nolint:gosec // G304: Path is constructed from a numeric PID.
	f, err := os.Open(filepath.Join(Root, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return "", fmt.Errorf("failed to read process cgroup: %w", err)
	}
	defer f.Close() // nolint:errcheck

	unified := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Format: hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		for _, c := range strings.Split(parts[1], ",") {
			if c == controller {
				return parts[2], nil
			}
		}
		if parts[1] == "" {
			unified = parts[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if unified != "" {
		return unified, nil
	}
	return "", fmt.Errorf("no %s cgroup for pid %d", controller, pid)
}

// clockTicks is the kernel USER_HZ unit used by /proc counters.
const clockTicks = 100

// StartTime returns the absolute start time of the process, derived
// from the starttime field of /proc/[pid]/stat and the boot time in
// /proc/stat. Two processes reusing a pid are told apart by it.
func StartTime(pid int) (time.Time, error) {
	boot, err := bootTime()
	if err != nil {
		return time.Time{}, err
	}

	//nolint:gosec // G304: Path is constructed from a numeric PID.
	data, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read process stat: %w", err)
	}

	// The comm field is parenthesized and may itself contain spaces or
	// parentheses; positions are only fixed after the last ')'.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return time.Time{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[idx+1:]))

	// starttime is overall field 22; the slice starts at field 3.
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed starttime for pid %d: %w", pid, err)
	}

	return boot.Add(time.Duration(ticks) * time.Second / clockTicks), nil
}

// bootTime reads the btime line of /proc/stat, seconds since the epoch.
func bootTime() (time.Time, error) {
	f, err := os.Open(filepath.Join(Root, "stat"))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read system stat: %w", err)
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed btime line: %q", line)
		}
		return time.Unix(secs, 0), nil
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Time{}, fmt.Errorf("no btime entry in system stat")
}

// KernelVersion reads the kernel version from /proc/version.
func KernelVersion() string {
	data, err := os.ReadFile(filepath.Join(Root, "version"))
	if err != nil {
		return "unknown"
	}

	// Parse version from output like "Linux version 5.15.0-xxx...".
	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+14:]
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}
