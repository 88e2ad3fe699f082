package sync

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Sandbox resolves untrusted relative paths from remote listings into
// absolute paths under the sync root. Every write and delete goes through
// Resolve; there is no other write path.
type Sandbox struct {
	root string
}

// NewSandbox wants an absolute, cleaned sync root.
func NewSandbox(root string) *Sandbox {
	return &Sandbox{root: filepath.Clean(root)}
}

func (s *Sandbox) Root() string {
	return s.root
}

// Resolve validates rel and joins it onto the root. Absolute paths,
// parent-traversal segments, reserved metadata paths and anything that
// normalizes to outside the root are rejected with ErrPathRejected.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return "", fmt.Errorf("%w: empty path", ErrPathRejected)
	}

	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || !filepath.IsLocal(native) {
		return "", fmt.Errorf("%w: %q", ErrPathRejected, rel)
	}

	// the metadata dir belongs to the engine, remote listings can't touch it
	if first, _, _ := strings.Cut(filepath.ToSlash(native), "/"); first == metadataDirName {
		return "", fmt.Errorf("%w: %q is reserved", ErrPathRejected, rel)
	}

	full := filepath.Join(s.root, native)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathRejected, rel)
	}

	return full, nil
}
