package sync

import (
	"log/slog"
	"path"
	"sort"

	"github.com/reposync/reposync/internal/transport"
)

// ChangeSet is the classified diff between a remote listing and the local
// snapshot for one pass. The four path slices are disjoint; Renamed is an
// observability extra mapping deleted paths to added paths with the same
// fingerprint (executed as add + delete, not as a distinct operation).
type ChangeSet struct {
	Added     []string
	Modified  []string
	Deleted   []string
	Unchanged []string
	Renamed   map[string]string
}

func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// DiffOptions tweak classification.
type DiffOptions struct {
	// Force treats every remote path that exists locally as modified
	// regardless of fingerprint equality: the full-resync escape hatch.
	Force bool
}

// Diff classifies the remote listing against the local snapshot. Pure
// function, no I/O: callers filter out non-file kinds and ignored paths
// beforehand. Every remote path ends up in exactly one of added, modified
// or unchanged; every local path absent from the listing ends up deleted.
func Diff(remote []*transport.RemoteEntry, local *Snapshot, opts DiffOptions) *ChangeSet {
	cs := &ChangeSet{Renamed: make(map[string]string)}

	seen := make(map[string]struct{}, len(remote))
	addedByFingerprint := make(map[string]string)

	for _, entry := range remote {
		p := normalizePath(entry.Path)
		seen[p] = struct{}{}

		record, exists := local.Files[p]
		switch {
		case !exists:
			cs.Added = append(cs.Added, p)
			addedByFingerprint[entry.Fingerprint] = p
		case opts.Force:
			cs.Modified = append(cs.Modified, p)
		case record.Fingerprint != entry.Fingerprint:
			cs.Modified = append(cs.Modified, p)
		case record.Size != entry.Size || record.Mode != entry.Mode:
			// equal fingerprint but disagreeing size/mode is a data
			// inconsistency; re-transfer rather than trust it
			slog.Warn("fingerprint matches but size/mode differs, re-syncing",
				"path", p, "localSize", record.Size, "remoteSize", entry.Size)
			cs.Modified = append(cs.Modified, p)
		default:
			cs.Unchanged = append(cs.Unchanged, p)
		}
	}

	for p, record := range local.Files {
		if _, ok := seen[p]; ok {
			continue
		}
		cs.Deleted = append(cs.Deleted, p)
		if target, ok := addedByFingerprint[record.Fingerprint]; ok {
			cs.Renamed[p] = target
		}
	}

	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	sort.Strings(cs.Unchanged)

	return cs
}

// normalizePath cleans a listing path to its canonical forward-slash
// relative form. Both the remote listing and snapshot keys go through this,
// so comparisons are byte-exact on the same shape.
func normalizePath(p string) string {
	return path.Clean("./" + p)
}
