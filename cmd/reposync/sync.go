package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/imroc/req/v3"
	"github.com/reposync/reposync/internal/config"
	"github.com/reposync/reposync/internal/sync"
	"github.com/reposync/reposync/internal/transport"
	"github.com/reposync/reposync/internal/utils"
	"github.com/reposync/reposync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var interval time.Duration

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the repository to the local directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd, map[string]string{
				"repo_url":            "repo",
				"local_path":          "local",
				"ref":                 "ref",
				"token":               "token",
				"method":              "method",
				"workers":             "workers",
				"max_attempts":        "max-attempts",
				"max_file_size":       "max-file-size",
				"requests_per_second": "rps",
				"exclude":             "exclude",
			})
			if err != nil {
				return err
			}

			cfg := &config.Config{
				RepoURL:     v.GetString("repo_url"),
				Ref:         v.GetString("ref"),
				LocalPath:   v.GetString("local_path"),
				Token:       v.GetString("token"),
				Method:      config.SyncMethod(v.GetString("method")),
				Workers:     v.GetInt("workers"),
				MaxAttempts: v.GetInt("max_attempts"),
				MaxFileSize: v.GetInt64("max_file_size"),
				RequestsPS:  v.GetFloat64("requests_per_second"),
				Exclude:     v.GetStringSlice("exclude"),
				CABundle:    v.GetString("ca_bundle"),
			}
			if cfg.Token == "" {
				cfg.Token = os.Getenv("GITHUB_TOKEN")
			}
			if noVerify, _ := cmd.Flags().GetBool("no-ssl-verify"); noVerify {
				off := false
				cfg.VerifySSL = &off
			} else if v.IsSet("verify_ssl") {
				on := v.GetBool("verify_ssl")
				cfg.VerifySSL = &on
			}
			cfg.ApplyDefaults()

			if err := cfg.Validate(); err != nil {
				return err
			}

			force, _ := cmd.Flags().GetBool("force")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			cmd.SilenceUsage = true
			return runSync(cmd.Context(), cfg, force, dryRun, interval)
		},
	}

	syncCmd.Flags().SortFlags = false
	syncCmd.Flags().StringP("repo", "r", "", "repository URL")
	syncCmd.Flags().StringP("local", "l", "", "local directory path")
	syncCmd.Flags().String("ref", "main", "branch, tag or commit SHA to sync")
	syncCmd.Flags().StringP("token", "t", "", "access token (defaults to GITHUB_TOKEN)")
	syncCmd.Flags().StringP("method", "m", "api", "sync method: api or archive")
	syncCmd.Flags().IntP("workers", "w", sync.DefaultWorkers, "concurrent transfer workers")
	syncCmd.Flags().Int("max-attempts", sync.DefaultMaxAttempts, "attempts per file before giving up")
	syncCmd.Flags().Int64("max-file-size", 0, "per-file size ceiling in bytes (0 = unlimited)")
	syncCmd.Flags().Float64("rps", 0, "max fetch requests per second (0 = unlimited)")
	syncCmd.Flags().StringSlice("exclude", nil, "gitignore-style patterns to exclude")
	syncCmd.Flags().BoolP("force", "f", false, "full resync, ignore recorded fingerprints")
	syncCmd.Flags().Bool("dry-run", false, "report the change set without transferring")
	syncCmd.Flags().Bool("no-ssl-verify", false, "disable TLS verification (use with caution)")
	syncCmd.Flags().DurationVar(&interval, "interval", 0, "keep syncing on this interval (0 = one pass)")

	return syncCmd
}

func runSync(ctx context.Context, cfg *config.Config, force, dryRun bool, interval time.Duration) error {
	localPath, err := utils.ResolvePath(cfg.LocalPath)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(localPath); err != nil {
		return fmt.Errorf("create sync root: %w", err)
	}

	repo, err := utils.ParseRepoURL(cfg.RepoURL)
	if err != nil {
		return err
	}

	client := newHTTPClient(cfg)

	primary, secondary := buildTransports(client, repo, cfg)
	defer primary.Close()
	if secondary != nil {
		defer secondary.Close()
	}

	if api, ok := primary.(*transport.APITransport); ok {
		if err := preflight(ctx, api); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", red("sync failed"), err)
			return err
		}
	}

	opts := sync.Options{
		RepoURL: repo.String(),
		Ref:     cfg.Ref,
		Force:   force,
		DryRun:  dryRun,
		Pool: sync.PoolConfig{
			Workers:        cfg.Workers,
			MaxAttempts:    cfg.MaxAttempts,
			MaxFileSize:    cfg.MaxFileSize,
			RequestsPerSec: cfg.RequestsPS,
		},
	}

	runOnce := func(ctx context.Context) error {
		orch := sync.NewOrchestrator(localPath, primary, secondary,
			sync.NewIgnoreList(cfg.Exclude), newConsoleSink(), opts)

		summary, err := orch.Run(ctx)
		if err != nil {
			return err
		}
		if len(summary.Failures) > 0 {
			return fmt.Errorf("%d file(s) failed to sync", len(summary.Failures))
		}
		return nil
	}

	if interval <= 0 {
		if err := runOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", red("sync failed"), err)
			return err
		}
		fmt.Println(green("✓"), "sync completed")
		return nil
	}

	// watch mode: keep mirroring until interrupted. A timer, not a ticker,
	// so slow passes don't queue up behind themselves.
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-timer.C:
				if err := runOnce(egCtx); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					slog.Error("pass failed", "error", err)
				}
				timer.Reset(interval)
			}
		}
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping sync loop")
		return nil
	})

	return eg.Wait()
}

// apiChecker is the slice of the API transport the preflight needs.
type apiChecker interface {
	Ping(ctx context.Context) error
	RateLimit(ctx context.Context) (remaining int, limit int, err error)
}

// preflight verifies the repository is reachable and readable before any
// pass starts, so a bad token or wrong URL fails with a clear diagnostic
// instead of a mid-transfer error. An unreachable API host is not fatal
// here: the orchestrator falls back to the archive transport for that.
func preflight(ctx context.Context, api apiChecker) error {
	if err := api.Ping(ctx); err != nil {
		if transport.IsUnavailable(err) {
			slog.Warn("api host unreachable, archive fallback will handle it", "error", err)
			return nil
		}
		return fmt.Errorf("repository check: %w", err)
	}

	if remaining, limit, err := api.RateLimit(ctx); err == nil {
		slog.Info("api quota", "remaining", remaining, "limit", limit)
	} else {
		slog.Debug("rate limit query failed", "error", err)
	}

	return nil
}

func newHTTPClient(cfg *config.Config) *req.Client {
	client := req.C().
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(1 * time.Second).
		SetUserAgent(fmt.Sprintf("%s/%s", version.AppName, version.Version)).
		SetTimeout(5 * time.Minute)

	if !cfg.SSLVerify() {
		slog.Warn("TLS verification disabled")
		client.EnableInsecureSkipVerify()
	} else if cfg.CABundle != "" {
		client.SetRootCertsFromFile(cfg.CABundle)
	}

	return client
}

func buildTransports(client *req.Client, repo *utils.RepoURL, cfg *config.Config) (primary, secondary transport.Transport) {
	apiT := transport.NewAPITransport(client, repo, cfg.Token)
	archiveT := transport.NewArchiveTransport(client, repo)

	if cfg.Method == config.MethodArchive {
		// explicit archive mode has no further fallback
		return archiveT, nil
	}
	return apiT, archiveT
}
