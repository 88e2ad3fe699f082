package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/reposync/reposync/internal/utils"
)

const (
	SchemaVersion = 1

	metadataDirName  = ".reposync"
	snapshotFileName = "snapshot.json"
	lockFileName     = "sync.lock"
)

// FileRecord is the last-known synced state of one tracked file. Records are
// created or updated only after the corresponding content hit disk.
type FileRecord struct {
	Path         string    `json:"path"`
	Fingerprint  string    `json:"fingerprint"`
	Size         int64     `json:"size"`
	Mode         uint32    `json:"mode"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// PassInfo describes the last completed pass.
type PassInfo struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Transport string        `json:"transport"`
	Added     int           `json:"added"`
	Modified  int           `json:"modified"`
	Deleted   int           `json:"deleted"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
}

// Snapshot is the durable record of what was last synchronized: the single
// source of truth for "what do we already have".
type Snapshot struct {
	SchemaVersion int                    `json:"schema_version"`
	RepoURL       string                 `json:"repo_url"`
	Ref           string                 `json:"ref"`
	CommitID      string                 `json:"commit_id"`
	Files         map[string]*FileRecord `json:"files"`
	LastSync      *PassInfo              `json:"last_sync,omitempty"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Files:         make(map[string]*FileRecord),
	}
}

// SnapshotPath returns where the snapshot for a sync root lives.
func SnapshotPath(root string) string {
	return filepath.Join(root, metadataDirName, snapshotFileName)
}

// SnapshotStore persists the snapshot under the sync root's hidden metadata
// directory and holds the lock that keeps passes exclusive per root.
type SnapshotStore struct {
	root  string
	path  string
	flock *flock.Flock
}

func NewSnapshotStore(root string) *SnapshotStore {
	metaDir := filepath.Join(root, metadataDirName)
	return &SnapshotStore{
		root:  root,
		path:  filepath.Join(metaDir, snapshotFileName),
		flock: flock.New(filepath.Join(metaDir, lockFileName)),
	}
}

// Lock acquires the per-root sync lock. Returns ErrSyncInProgress when
// another process holds it.
func (s *SnapshotStore) Lock() error {
	if err := utils.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	locked, err := s.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock sync root: %w", err)
	}
	if !locked {
		return ErrSyncInProgress
	}
	return nil
}

func (s *SnapshotStore) Unlock() {
	if err := s.flock.Unlock(); err != nil {
		slog.Warn("failed to release sync lock", "error", err)
	}
}

// Load reads the persisted snapshot. A missing, truncated or
// schema-mismatched file degrades to an empty snapshot instead of failing
// the pass; degraded reports that so the caller can log a full resync.
func (s *SnapshotStore) Load() (snap *Snapshot, degraded bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), false
		}
		slog.Warn("snapshot unreadable, forcing full resync", "path", s.path, "error", err)
		return NewSnapshot(), true
	}

	var loaded Snapshot
	if err := json.Unmarshal(data, &loaded); err != nil {
		slog.Warn("snapshot corrupt, forcing full resync", "path", s.path, "error", err)
		return NewSnapshot(), true
	}

	if loaded.SchemaVersion != SchemaVersion {
		slog.Warn("snapshot schema mismatch, forcing full resync",
			"path", s.path, "got", loaded.SchemaVersion, "want", SchemaVersion)
		return NewSnapshot(), true
	}

	if loaded.Files == nil {
		loaded.Files = make(map[string]*FileRecord)
	}
	return &loaded, false
}

// Commit atomically replaces the persisted snapshot: write a temp sibling,
// then rename it into place. A crashed writer never leaves a torn file.
func (s *SnapshotStore) Commit(snap *Snapshot) error {
	if err := utils.EnsureParent(s.path); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	snap.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), snapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}
