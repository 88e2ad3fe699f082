package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/reposync/reposync/internal/sync"
)

// consoleSink renders engine progress events for the terminal. The engine
// itself never formats output; this is the only place that does.
type consoleSink struct{}

func newConsoleSink() *consoleSink {
	return &consoleSink{}
}

func (s *consoleSink) OnTaskStart(task *sync.TransferTask) {
	slog.Debug("task start", "op", task.Op, "path", task.Path)
}

func (s *consoleSink) OnTaskDone(result *sync.TaskResult) {
	if result.OK() {
		slog.Debug("task done", "op", result.Task.Op, "path", result.Task.Path, "bytes", result.Bytes)
		return
	}
	slog.Error("task failed",
		"op", result.Task.Op,
		"path", result.Task.Path,
		"kind", result.Kind,
		"attempts", result.Attempts,
		"error", result.Err,
	)
}

func (s *consoleSink) OnPassSummary(summary *sync.Summary) {
	changes := summary.Changes

	fmt.Println()
	if summary.DryRun {
		fmt.Println(cyan("=== Dry Run ==="))
	} else {
		fmt.Println(cyan("=== Sync Summary ==="))
	}
	fmt.Printf("Repository:  %s @ %s\n", summary.RepoURL, summary.Ref)
	fmt.Printf("Commit:      %s\n", summary.CommitID)
	fmt.Printf("Transport:   %s", summary.Transport)
	if summary.FellBack {
		fmt.Print(" (fallback)")
	}
	fmt.Println()
	fmt.Printf("Added:       %d\n", len(changes.Added))
	fmt.Printf("Modified:    %d\n", len(changes.Modified))
	fmt.Printf("Deleted:     %d\n", len(changes.Deleted))
	fmt.Printf("Unchanged:   %d\n", len(changes.Unchanged))
	if summary.Skipped > 0 {
		fmt.Printf("Skipped:     %d (symlinks/submodules)\n", summary.Skipped)
	}
	if summary.Ignored > 0 {
		fmt.Printf("Ignored:     %d\n", summary.Ignored)
	}
	if len(changes.Renamed) > 0 {
		for from, to := range changes.Renamed {
			fmt.Printf("Renamed:     %s -> %s\n", from, to)
		}
	}
	if !summary.DryRun {
		fmt.Printf("Transferred: %s in %s\n", humanize.Bytes(uint64(summary.Bytes)), summary.Duration.Round(time.Millisecond))
	}

	if len(summary.Failures) > 0 {
		fmt.Printf("%s\n", red(fmt.Sprintf("Failed:      %d", len(summary.Failures))))
		for _, f := range summary.Failures {
			fmt.Printf("  %s %s [%s]: %v\n", red("✗"), f.Task.Path, f.Kind, f.Err)
		}
	}
}
