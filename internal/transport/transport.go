package transport

import (
	"context"
	"io"
)

// EntryKind classifies an entry in a remote tree listing.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindSymlink
	KindSubmodule
	KindDir
)

var entryKindNames = []string{
	"file",
	"symlink",
	"submodule",
	"dir",
}

func (k EntryKind) String() string {
	return entryKindNames[k]
}

// RemoteEntry is one entry of a remote file listing. Paths are relative,
// forward-slash separated. The fingerprint is the git blob SHA-1 regardless
// of which transport produced the listing, so change detection stays valid
// across a transport switch.
type RemoteEntry struct {
	Path        string
	Fingerprint string
	Size        int64
	Mode        uint32
	Kind        EntryKind
}

// Transport lists and fetches remote repository content. Implementations
// must be safe for concurrent Fetch calls.
type Transport interface {
	// Name identifies the transport in logs and summaries.
	Name() string

	// ResolveRef converts a branch, tag or commit-like token into a stable
	// content identifier. Idempotent and side-effect free from the caller's
	// point of view.
	ResolveRef(ctx context.Context, ref string) (string, error)

	// ListTree returns the full recursive file listing for a content id.
	ListTree(ctx context.Context, commitID string) ([]*RemoteEntry, error)

	// Fetch streams the content of a single file.
	Fetch(ctx context.Context, path string, fingerprint string) (io.ReadCloser, error)

	// Close releases any resources held by the transport.
	Close() error
}
