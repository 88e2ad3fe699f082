package sync

import "errors"

var (
	// ErrSyncInProgress means another pass holds the sync-root lock. The
	// whole invocation fails immediately, no partial work is attempted.
	ErrSyncInProgress = errors.New("sync already in progress for this root")

	// ErrPathRejected is a destination path escaping the sync root. Always
	// fatal for the task, never retried.
	ErrPathRejected = errors.New("path rejected: outside sync root")

	// ErrFileTooLarge is a task exceeding the configured per-file ceiling.
	// Rejected immediately, not retried.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrPassFailed means the pass aborted before transfers could complete.
	ErrPassFailed = errors.New("sync pass failed")
)

// FailureKind buckets a task failure for the final report.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"  // retries exhausted
	FailureFatal     FailureKind = "fatal"      // e.g. remote 404 racing a stale listing
	FailureRejected  FailureKind = "rejected"   // security violation, logged distinctly
	FailureTooLarge  FailureKind = "too_large"  // per-file size ceiling
	FailureCancelled FailureKind = "cancelled"  // pass cancelled mid-flight
)
