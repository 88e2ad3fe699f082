package sync

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/reposync/reposync/internal/transport"
)

// fakeTransport is an in-memory Transport with per-path failure injection.
type fakeTransport struct {
	mu sync.Mutex

	name     string
	commit   string
	files    map[string][]byte // path -> content
	modes    map[string]uint32
	extra    []*transport.RemoteEntry // appended to listings verbatim
	fetches  map[string]int           // per-path fetch count
	failWith map[string]error         // always fail fetches of this path
	failN    map[string]int           // fail the first N fetches of this path
	failNErr error

	resolveErr error
	listErr    error
	quotaOnce  bool
}

func newFakeTransport(files map[string]string) *fakeTransport {
	ft := &fakeTransport{
		name:     "fake",
		commit:   "71a02f4ba7ad0d9b1c068fd71f49221f612e79ab",
		files:    make(map[string][]byte),
		modes:    make(map[string]uint32),
		fetches:  make(map[string]int),
		failWith: make(map[string]error),
		failN:    make(map[string]int),
	}
	for path, content := range files {
		ft.files[path] = []byte(content)
		ft.modes[path] = 0o644
	}
	return ft
}

func fakeFingerprint(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (t *fakeTransport) Name() string { return t.name }
func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) ResolveRef(ctx context.Context, ref string) (string, error) {
	if t.resolveErr != nil {
		return "", t.resolveErr
	}
	return t.commit, nil
}

func (t *fakeTransport) ListTree(ctx context.Context, commitID string) ([]*transport.RemoteEntry, error) {
	if t.listErr != nil {
		return nil, t.listErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]*transport.RemoteEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, &transport.RemoteEntry{
			Path:        p,
			Fingerprint: fakeFingerprint(t.files[p]),
			Size:        int64(len(t.files[p])),
			Mode:        t.modes[p],
			Kind:        transport.KindFile,
		})
	}
	return append(entries, t.extra...), nil
}

func (t *fakeTransport) Fetch(ctx context.Context, path string, fingerprint string) (io.ReadCloser, error) {
	t.mu.Lock()
	t.fetches[path]++
	count := t.fetches[path]

	if t.quotaOnce {
		t.quotaOnce = false
		t.mu.Unlock()
		return nil, &transport.QuotaError{Reset: time.Now().Add(10 * time.Millisecond)}
	}

	if err, ok := t.failWith[path]; ok {
		t.mu.Unlock()
		return nil, err
	}
	if n, ok := t.failN[path]; ok && count <= n {
		t.mu.Unlock()
		return nil, t.failNErr
	}

	content, ok := t.files[path]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", path, transport.ErrFileNotFound)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (t *fakeTransport) setFile(path, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = []byte(content)
	if _, ok := t.modes[path]; !ok {
		t.modes[path] = 0o644
	}
}

func (t *fakeTransport) removeFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
	delete(t.modes, path)
}

func (t *fakeTransport) fetchCount(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetches[path]
}
