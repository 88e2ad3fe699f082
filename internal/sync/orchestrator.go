package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reposync/reposync/internal/transport"
)

// State is the orchestrator's position in a pass.
type State uint8

const (
	StateIdle State = iota
	StateResolvingReference
	StateFetchingListing
	StateDiffing
	StateTransferring
	StateCommittingMetadata
	StateDone
	StateFailed
)

var stateNames = []string{
	"Idle",
	"ResolvingReference",
	"FetchingListing",
	"Diffing",
	"Transferring",
	"CommittingMetadata",
	"Done",
	"Failed",
}

func (s State) String() string {
	return stateNames[s]
}

// Summary is the terminal result of one pass.
type Summary struct {
	RepoURL    string
	Ref        string
	CommitID   string
	Transport  string
	StartedAt  time.Time
	Duration   time.Duration
	Changes    *ChangeSet
	Skipped    int // symlink/submodule entries, reported but never written
	Ignored    int // entries excluded by ignore patterns
	Bytes      int64
	Failures   []*TaskResult
	FullResync bool
	DryRun     bool
	FellBack   bool
}

// Options configure one pass.
type Options struct {
	RepoURL string
	Ref     string
	Force   bool // treat every remote file as modified
	DryRun  bool // stop after diffing, report only
	Pool    PoolConfig
}

// Orchestrator drives one synchronization pass through its state machine:
// Idle → ResolvingReference → FetchingListing → Diffing → Transferring →
// CommittingMetadata → Done, with Failed reachable from any step. All
// collaborators arrive through the constructor; there is no ambient state.
type Orchestrator struct {
	store     *SnapshotStore
	sandbox   *Sandbox
	primary   transport.Transport
	secondary transport.Transport // fallback, may be nil
	ignore    *IgnoreList
	sink      ProgressSink
	opts      Options

	state State
}

func NewOrchestrator(root string, primary, secondary transport.Transport, ignore *IgnoreList, sink ProgressSink, opts Options) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if ignore == nil {
		ignore = NewIgnoreList(nil)
	}

	return &Orchestrator{
		store:     NewSnapshotStore(root),
		sandbox:   NewSandbox(root),
		primary:   primary,
		secondary: secondary,
		ignore:    ignore,
		sink:      sink,
		opts:      opts,
		state:     StateIdle,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	slog.Debug("pass state", "from", o.state, "to", s)
	o.state = s
}

// Run executes one pass. Task-level failures do not produce an error here;
// they are enumerated in the summary and it is the caller's contract to
// exit non-zero when any remain.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()

	if err := o.store.Lock(); err != nil {
		o.setState(StateFailed)
		return nil, err
	}
	defer o.store.Unlock()

	snap, degraded := o.store.Load()
	force := o.opts.Force
	if degraded {
		slog.Warn("local metadata degraded, running full resync")
		force = true
	}
	if snap.RepoURL != "" && snap.RepoURL != o.opts.RepoURL {
		slog.Warn("snapshot belongs to a different repository, running full resync",
			"recorded", snap.RepoURL, "requested", o.opts.RepoURL)
		snap = NewSnapshot()
		force = true
	}

	summary := &Summary{
		RepoURL:    o.opts.RepoURL,
		Ref:        o.opts.Ref,
		StartedAt:  started,
		FullResync: force,
		DryRun:     o.opts.DryRun,
	}

	// resolve + list, with at most one transport fallback per pass
	active := o.primary
	commitID, entries, err := o.resolveAndList(ctx, active)
	if err != nil {
		if transport.IsUnavailable(err) && o.secondary != nil {
			slog.Warn("primary transport unavailable, falling back",
				"primary", o.primary.Name(), "secondary", o.secondary.Name(), "error", err)
			active = o.secondary
			summary.FellBack = true
			commitID, entries, err = o.resolveAndList(ctx, active)
		}
		if err != nil {
			o.setState(StateFailed)
			return nil, fmt.Errorf("%w: %w", ErrPassFailed, err)
		}
	}
	summary.CommitID = commitID
	summary.Transport = active.Name()

	files := o.filterEntries(entries, summary)

	for _, pair := range caseCollisions(files) {
		slog.Warn("remote paths differ only by case; on a case-insensitive filesystem the last write wins",
			"first", pair[0], "second", pair[1])
	}

	o.setState(StateDiffing)
	changes := Diff(files, snap, DiffOptions{Force: force})

	// a previously synced path that is now ignored drops out of the remote
	// listing, but ignored paths are never deleted locally
	kept := changes.Deleted[:0]
	for _, p := range changes.Deleted {
		if o.ignore.ShouldIgnore(p) {
			summary.Ignored++
			continue
		}
		kept = append(kept, p)
	}
	changes.Deleted = kept
	summary.Changes = changes

	if o.opts.DryRun {
		o.setState(StateDone)
		summary.Duration = time.Since(started)
		o.sink.OnPassSummary(summary)
		return summary, nil
	}

	o.setState(StateTransferring)
	byPath := make(map[string]*transport.RemoteEntry, len(files))
	for _, e := range files {
		byPath[normalizePath(e.Path)] = e
	}
	tasks := buildTasks(changes, byPath)

	pool := NewPool(active, o.sandbox, o.sink, o.opts.Pool)
	report := pool.Execute(ctx, tasks)
	summary.Bytes = report.BytesTransferred
	summary.Failures = report.Failed()

	// apply completed work to the in-memory snapshot; workers never touch it
	o.setState(StateCommittingMetadata)
	now := time.Now()
	for _, res := range report.Results {
		if !res.OK() {
			continue
		}
		switch res.Task.Op {
		case OpWrite:
			snap.Files[res.Task.Path] = &FileRecord{
				Path:         res.Task.Path,
				Fingerprint:  res.Task.Fingerprint,
				Size:         res.Task.Size,
				Mode:         res.Task.Mode,
				LastSyncedAt: now,
			}
		case OpDelete:
			delete(snap.Files, res.Task.Path)
		}
	}

	snap.RepoURL = o.opts.RepoURL
	snap.Ref = o.opts.Ref
	snap.CommitID = commitID
	snap.LastSync = &PassInfo{
		StartedAt: started,
		Duration:  time.Since(started),
		Transport: active.Name(),
		Added:     len(changes.Added),
		Modified:  len(changes.Modified),
		Deleted:   len(changes.Deleted),
		Unchanged: len(changes.Unchanged),
		Failed:    len(summary.Failures),
	}

	if err := o.store.Commit(snap); err != nil {
		o.setState(StateFailed)
		return summary, fmt.Errorf("%w: commit metadata: %w", ErrPassFailed, err)
	}

	o.setState(StateDone)
	summary.Duration = time.Since(started)
	o.sink.OnPassSummary(summary)

	// the pass itself succeeded even when cancelled mid-transfer: the
	// snapshot reflects exactly the completed tasks
	return summary, nil
}

func (o *Orchestrator) resolveAndList(ctx context.Context, t transport.Transport) (string, []*transport.RemoteEntry, error) {
	o.setState(StateResolvingReference)
	commitID, err := t.ResolveRef(ctx, o.opts.Ref)
	if err != nil {
		return "", nil, fmt.Errorf("resolve reference: %w", err)
	}
	slog.Info("resolved reference", "ref", o.opts.Ref, "commit", commitID, "transport", t.Name())

	o.setState(StateFetchingListing)
	entries, err := t.ListTree(ctx, commitID)
	if err != nil {
		return "", nil, fmt.Errorf("fetch listing: %w", err)
	}
	slog.Info("fetched remote listing", "entries", len(entries), "transport", t.Name())

	return commitID, entries, nil
}

// filterEntries drops directory markers, skips non-file kinds with a count,
// and applies the ignore list.
func (o *Orchestrator) filterEntries(entries []*transport.RemoteEntry, summary *Summary) []*transport.RemoteEntry {
	files := make([]*transport.RemoteEntry, 0, len(entries))
	for _, entry := range entries {
		switch entry.Kind {
		case transport.KindDir:
			continue
		case transport.KindSymlink, transport.KindSubmodule:
			slog.Debug("skipping non-file entry", "path", entry.Path, "kind", entry.Kind)
			summary.Skipped++
			continue
		}
		if o.ignore.ShouldIgnore(entry.Path) {
			summary.Ignored++
			continue
		}
		files = append(files, entry)
	}
	return files
}

// caseCollisions returns pairs of listing paths that differ only by case.
// Git trees allow them and on a case-sensitive filesystem both sync fine,
// so they are surfaced, not rejected.
func caseCollisions(files []*transport.RemoteEntry) [][2]string {
	byFold := make(map[string]string, len(files))
	var pairs [][2]string
	for _, e := range files {
		key := strings.ToLower(e.Path)
		if first, ok := byFold[key]; ok {
			pairs = append(pairs, [2]string{first, e.Path})
			continue
		}
		byFold[key] = e.Path
	}
	return pairs
}

// buildTasks turns a change set into transfer tasks: writes for added and
// modified paths, deletes for deleted paths. Each path appears at most once.
func buildTasks(changes *ChangeSet, byPath map[string]*transport.RemoteEntry) []*TransferTask {
	tasks := make([]*TransferTask, 0, len(changes.Added)+len(changes.Modified)+len(changes.Deleted))

	for _, p := range changes.Added {
		entry := byPath[p]
		tasks = append(tasks, &TransferTask{
			Op:          OpWrite,
			Path:        p,
			Fingerprint: entry.Fingerprint,
			Size:        entry.Size,
			Mode:        entry.Mode,
		})
	}
	for _, p := range changes.Modified {
		entry := byPath[p]
		tasks = append(tasks, &TransferTask{
			Op:          OpWrite,
			Path:        p,
			Fingerprint: entry.Fingerprint,
			Size:        entry.Size,
			Mode:        entry.Mode,
		})
	}
	for _, p := range changes.Deleted {
		tasks = append(tasks, &TransferTask{Op: OpDelete, Path: p})
	}

	return tasks
}
