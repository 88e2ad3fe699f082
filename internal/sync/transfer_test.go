package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reposync/reposync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTask(path, content string) *TransferTask {
	return &TransferTask{
		Op:          OpWrite,
		Path:        path,
		Fingerprint: fakeFingerprint([]byte(content)),
		Size:        int64(len(content)),
		Mode:        0o644,
	}
}

func TestPoolExecute(t *testing.T) {
	t.Run("writes files atomically into place", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{
			"a.txt":       "alpha",
			"dir/b.txt":   "beta",
			"dir/c/d.txt": "delta",
		})
		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 2})

		report := pool.Execute(context.Background(), []*TransferTask{
			writeTask("a.txt", "alpha"),
			writeTask("dir/b.txt", "beta"),
			writeTask("dir/c/d.txt", "delta"),
		})

		assert.Empty(t, report.Failed())
		assert.EqualValues(t, len("alphabetadelta"), report.BytesTransferred)

		got, err := os.ReadFile(filepath.Join(root, "dir", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "beta", string(got))

		// no temp droppings
		entries, err := os.ReadDir(filepath.Join(root, "dir"))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("one fatal task does not abort siblings", func(t *testing.T) {
		root := t.TempDir()
		files := make(map[string]string)
		tasks := make([]*TransferTask, 0, 10)
		for i := range 10 {
			path := fmt.Sprintf("file-%d.txt", i)
			files[path] = fmt.Sprintf("content-%d", i)
			tasks = append(tasks, writeTask(path, files[path]))
		}
		ft := newFakeTransport(files)
		ft.failWith["file-3.txt"] = fmt.Errorf("fetch: %w", transport.ErrFileNotFound)

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 2})
		report := pool.Execute(context.Background(), tasks)

		require.Len(t, report.Results, 10)
		failed := report.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, "file-3.txt", failed[0].Task.Path)
		assert.Equal(t, FailureFatal, failed[0].Kind)
		assert.Equal(t, 1, failed[0].Attempts, "fatal errors are not retried")

		for i := range 10 {
			path := filepath.Join(root, fmt.Sprintf("file-%d.txt", i))
			if i == 3 {
				assert.NoFileExists(t, path)
			} else {
				assert.FileExists(t, path)
			}
		}
	})

	t.Run("transient errors are retried with backoff", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"flaky.txt": "eventually"})
		ft.failN["flaky.txt"] = 2
		ft.failNErr = transport.NewAPIError(transport.CodeInternalError, 503, "upstream hiccup")

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{
			Workers:        1,
			MaxAttempts:    4,
			RetryBaseDelay: time.Millisecond,
		})
		report := pool.Execute(context.Background(), []*TransferTask{writeTask("flaky.txt", "eventually")})

		assert.Empty(t, report.Failed())
		assert.Equal(t, 3, report.Results[0].Attempts)
		assert.FileExists(t, filepath.Join(root, "flaky.txt"))
	})

	t.Run("retry budget exhaustion records a transient failure", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"down.txt": "never"})
		ft.failWith["down.txt"] = transport.NewAPIError(transport.CodeInternalError, 502, "bad gateway")

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{
			Workers:        1,
			MaxAttempts:    3,
			RetryBaseDelay: time.Millisecond,
		})
		report := pool.Execute(context.Background(), []*TransferTask{writeTask("down.txt", "never")})

		failed := report.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, FailureTransient, failed[0].Kind)
		assert.Equal(t, 3, failed[0].Attempts)
		assert.Equal(t, 3, ft.fetchCount("down.txt"))
	})

	t.Run("oversized files are rejected without a fetch", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"huge.bin": "xxxx"})

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 1, MaxFileSize: 2})
		task := writeTask("huge.bin", "xxxx")
		report := pool.Execute(context.Background(), []*TransferTask{task})

		failed := report.Failed()
		require.Len(t, failed, 1)
		assert.ErrorIs(t, failed[0].Err, ErrFileTooLarge)
		assert.Equal(t, FailureTooLarge, failed[0].Kind)
		assert.Zero(t, ft.fetchCount("huge.bin"), "size ceiling rejects before fetching")
	})

	t.Run("traversal paths never reach the filesystem", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"../escape.txt": "evil"})

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 1})
		report := pool.Execute(context.Background(), []*TransferTask{writeTask("../escape.txt", "evil")})

		failed := report.Failed()
		require.Len(t, failed, 1)
		assert.ErrorIs(t, failed[0].Err, ErrPathRejected)
		assert.Equal(t, FailureRejected, failed[0].Kind)
		assert.Zero(t, ft.fetchCount("../escape.txt"))
		assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "escape.txt"))
	})

	t.Run("quota pause does not burn the retry budget", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"a.txt": "content"})
		ft.quotaOnce = true

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{
			Workers:        1,
			MaxAttempts:    1,
			RetryBaseDelay: time.Millisecond,
		})
		report := pool.Execute(context.Background(), []*TransferTask{writeTask("a.txt", "content")})

		assert.Empty(t, report.Failed())
		assert.FileExists(t, filepath.Join(root, "a.txt"))
	})

	t.Run("delete removes the file and empty parents", func(t *testing.T) {
		root := t.TempDir()
		nested := filepath.Join(root, "deep", "nested")
		require.NoError(t, os.MkdirAll(nested, 0o755))
		target := filepath.Join(nested, "gone.txt")
		require.NoError(t, os.WriteFile(target, []byte("bye"), 0o644))

		ft := newFakeTransport(nil)
		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 1})
		report := pool.Execute(context.Background(), []*TransferTask{
			{Op: OpDelete, Path: "deep/nested/gone.txt"},
		})

		assert.Empty(t, report.Failed())
		assert.NoFileExists(t, target)
		assert.NoDirExists(t, filepath.Join(root, "deep"))
		assert.DirExists(t, root)
	})

	t.Run("cancellation stops dispatch and reports remaining tasks", func(t *testing.T) {
		root := t.TempDir()
		ft := newFakeTransport(map[string]string{"a.txt": "x"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 1})
		report := pool.Execute(ctx, []*TransferTask{writeTask("a.txt", "x")})

		require.Len(t, report.Results, 1)
		assert.Equal(t, FailureCancelled, report.Results[0].Kind)
		assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	})

	t.Run("file replacing a directory is not merged into it", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "thing"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "thing", "leftover"), []byte("x"), 0o644))

		ft := newFakeTransport(map[string]string{"thing": "now a file"})
		pool := NewPool(ft, NewSandbox(root), NopSink{}, PoolConfig{Workers: 1})
		report := pool.Execute(context.Background(), []*TransferTask{writeTask("thing", "now a file")})

		assert.Empty(t, report.Failed())
		got, err := os.ReadFile(filepath.Join(root, "thing"))
		require.NoError(t, err)
		assert.Equal(t, "now a file", string(got))
	})
}
