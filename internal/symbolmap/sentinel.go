package symbolmap

import (
	"fmt"
	"strings"

	"github.com/jalmeida85/vector-pmda/internal/privilege"
	"github.com/jalmeida85/vector-pmda/internal/safe"
)

// sentinelPrefix marks a map as synthetic. Samples falling anywhere in
// the address space resolve to a single frame naming the condition, so
// the rendered output shows why symbols are missing instead of raw
// addresses.
const sentinelPrefix = "[no symbols"

// writeSentinel publishes a one-entry map covering the whole address
// space. The entry name carries the degradation reason.
func (r *Reconciler) writeSentinel(hostPID int, reason string) error {
	// Map entry names are the remainder of the line; normalize
	// newlines away so the file stays one entry.
	reason = strings.ReplaceAll(reason, "\n", " ")
	entry := fmt.Sprintf("%016x %016x %s: %s]\n", 0, uint64(1)<<63, sentinelPrefix, reason)

	path := r.MapPath(hostPID)
	if err := safe.WriteFileAtomic(path, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("failed to write sentinel map: %w", err)
	}
	return privilege.RestoreRootOwnership(path)
}

// IsSentinel reports whether map content is a synthetic placeholder.
func IsSentinel(content []byte) bool {
	return strings.Contains(string(content), sentinelPrefix)
}
