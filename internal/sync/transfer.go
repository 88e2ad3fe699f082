package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reposync/reposync/internal/transport"
	"github.com/reposync/reposync/internal/utils"
	"golang.org/x/time/rate"
)

// TaskOp is the operation a transfer task performs.
type TaskOp uint8

const (
	OpWrite TaskOp = iota
	OpDelete
)

var taskOpNames = []string{
	"write",
	"delete",
}

func (op TaskOp) String() string {
	return taskOpNames[op]
}

// TransferTask is one unit of work, executed by exactly one worker.
type TransferTask struct {
	Op          TaskOp
	Path        string
	Fingerprint string
	Size        int64
	Mode        uint32
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Task     *TransferTask
	Err      error
	Kind     FailureKind
	Attempts int
	Bytes    int64
}

func (r *TaskResult) OK() bool {
	return r.Err == nil
}

// TransferReport collects every task outcome of one pass.
type TransferReport struct {
	Results          []*TaskResult
	BytesTransferred int64
}

func (r *TransferReport) Failed() []*TaskResult {
	var failed []*TaskResult
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	Workers        int           // concurrent workers, default 6
	MaxAttempts    int           // attempts per task incl. the first, default 4
	RetryBaseDelay time.Duration // first backoff step, doubled per retry
	MaxFileSize    int64         // per-file ceiling in bytes, 0 = unlimited
	RequestsPerSec float64       // fetch request throttle, 0 = unlimited
}

const (
	DefaultWorkers     = 6
	DefaultMaxAttempts = 4
	defaultRetryDelay  = 500 * time.Millisecond

	// bounded pause when the remote signals quota exhaustion without a
	// usable reset time
	defaultQuotaPause = time.Minute
	maxQuotaPause     = 15 * time.Minute
)

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = defaultRetryDelay
	}
	return out
}

// Pool fetches and writes file contents across a bounded number of
// concurrent workers, with per-task retry and pool-wide quota pausing.
// Workers never touch the snapshot; results flow back to the orchestrator
// through the report.
type Pool struct {
	transport transport.Transport
	sandbox   *Sandbox
	sink      ProgressSink
	cfg       PoolConfig
	limiter   *rate.Limiter

	pauseMu    sync.Mutex
	pauseUntil time.Time
}

func NewPool(t transport.Transport, sandbox *Sandbox, sink ProgressSink, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Workers)
	}

	return &Pool{
		transport: t,
		sandbox:   sandbox,
		sink:      sink,
		cfg:       cfg,
		limiter:   limiter,
	}
}

// Execute runs all tasks and returns the collected report. Per-task errors
// never abort sibling tasks; cancellation stops dispatch and records the
// remaining tasks as cancelled so the committed snapshot only reflects
// completed work.
func (p *Pool) Execute(ctx context.Context, tasks []*TransferTask) *TransferReport {
	report := &TransferReport{}
	if len(tasks) == 0 {
		return report
	}

	jobs := make(chan *TransferTask, len(tasks))
	results := make(chan *TaskResult, len(tasks))

	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for range p.cfg.Workers {
		go func() {
			defer wg.Done()
			for task := range jobs {
				if ctx.Err() != nil {
					results <- &TaskResult{Task: task, Err: ctx.Err(), Kind: FailureCancelled}
					continue
				}
				p.sink.OnTaskStart(task)
				results <- p.runTask(ctx, task)
			}
		}()
	}

	for _, task := range tasks {
		jobs <- task
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	// single collection point, no worker mutates another worker's result
	for res := range results {
		p.sink.OnTaskDone(res)
		report.Results = append(report.Results, res)
		if res.OK() && res.Task.Op == OpWrite {
			report.BytesTransferred += res.Bytes
		}
	}

	return report
}

func (p *Pool) runTask(ctx context.Context, task *TransferTask) *TaskResult {
	res := &TaskResult{Task: task}

	dest, err := p.sandbox.Resolve(task.Path)
	if err != nil {
		slog.Error("path rejected", "op", task.Op, "path", task.Path, "error", err)
		res.Err = err
		res.Kind = FailureRejected
		return res
	}

	if task.Op == OpDelete {
		res.Err = p.deleteFile(dest)
		if res.Err != nil {
			res.Kind = FailureFatal
		}
		return res
	}

	if p.cfg.MaxFileSize > 0 && task.Size > p.cfg.MaxFileSize {
		res.Err = fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, task.Path, task.Size, p.cfg.MaxFileSize)
		res.Kind = FailureTooLarge
		return res
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := p.waitForDispatch(ctx); err != nil {
			res.Err = err
			res.Kind = FailureCancelled
			return res
		}

		n, err := p.fetchAndWrite(ctx, task, dest)
		if err == nil {
			res.Bytes = n
			res.Err = nil
			return res
		}
		res.Err = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Kind = FailureCancelled
			return res
		}

		if quota, ok := transport.IsQuota(err); ok {
			// quota exhaustion pauses the whole pool, it doesn't burn
			// this task's retry budget
			p.pauseUntilReset(quota.Reset)
			attempt--
			continue
		}

		if !transport.IsTransient(err) {
			res.Kind = FailureFatal
			return res
		}

		if attempt < p.cfg.MaxAttempts {
			delay := p.cfg.RetryBaseDelay << (attempt - 1)
			slog.Debug("transient error, retrying", "path", task.Path, "attempt", attempt, "delay", delay, "error", err)
			if err := sleepCtx(ctx, delay); err != nil {
				res.Kind = FailureCancelled
				res.Err = err
				return res
			}
		}
	}

	res.Kind = FailureTransient
	return res
}

// fetchAndWrite streams the remote content into a temporary sibling and
// renames it into place, so a crash never leaves a half-written file under
// its real name.
func (p *Pool) fetchAndWrite(ctx context.Context, task *TransferTask, dest string) (int64, error) {
	body, err := p.transport.Fetch(ctx, task.Path, task.Fingerprint)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := utils.EnsureParent(dest); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}

	// a path that used to be a directory is replaced, never merged into
	if info, err := os.Lstat(dest); err == nil && info.IsDir() {
		if err := os.RemoveAll(dest); err != nil {
			return 0, fmt.Errorf("replace directory %s: %w", dest, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", task.Path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close %s: %w", task.Path, err)
	}

	if task.Mode != 0 {
		if err := os.Chmod(tmpName, os.FileMode(task.Mode)); err != nil {
			os.Remove(tmpName)
			return 0, fmt.Errorf("chmod %s: %w", task.Path, err)
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename into place %s: %w", task.Path, err)
	}

	return n, nil
}

func (p *Pool) deleteFile(dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", dest, err)
	}
	p.pruneEmptyParents(filepath.Dir(dest))
	return nil
}

// pruneEmptyParents removes now-empty directories up to the sync root.
func (p *Pool) pruneEmptyParents(dir string) {
	root := p.sandbox.Root()
	for dir != root && len(dir) > len(root) {
		if err := os.Remove(dir); err != nil {
			return // not empty or gone already
		}
		dir = filepath.Dir(dir)
	}
}

// waitForDispatch blocks while the pool is quota-paused and then takes a
// rate-limiter token.
func (p *Pool) waitForDispatch(ctx context.Context) error {
	p.pauseMu.Lock()
	until := p.pauseUntil
	p.pauseMu.Unlock()

	if wait := time.Until(until); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	if p.limiter != nil {
		return p.limiter.Wait(ctx)
	}
	return ctx.Err()
}

func (p *Pool) pauseUntilReset(reset time.Time) {
	now := time.Now()
	if reset.Before(now) {
		reset = now.Add(defaultQuotaPause)
	}
	if reset.After(now.Add(maxQuotaPause)) {
		reset = now.Add(maxQuotaPause)
	}

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if reset.After(p.pauseUntil) {
		p.pauseUntil = reset
		slog.Warn("quota exhausted, pausing transfers", "until", reset.Format(time.RFC3339))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
