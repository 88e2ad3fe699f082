package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/reposync/reposync/internal/config"
	"github.com/reposync/reposync/internal/sync"
	"github.com/reposync/reposync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last sync snapshot without touching the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath, _ := cmd.Flags().GetString("local")
			if localPath == "" {
				if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
					cfg, err := config.Load(configPath)
					if err != nil {
						return err
					}
					localPath = cfg.LocalPath
				}
			}
			if localPath == "" {
				return fmt.Errorf("local path missing (use --local or a config file)")
			}

			localPath, err := utils.ResolvePath(localPath)
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true

			if !utils.DirExists(localPath) {
				return fmt.Errorf("no sync root at %s", localPath)
			}
			if !utils.FileExists(sync.SnapshotPath(localPath)) {
				fmt.Println("no snapshot yet; run `reposync sync` first")
				return nil
			}

			snap, degraded := sync.NewSnapshotStore(localPath).Load()
			if degraded {
				fmt.Println(red("snapshot unreadable; next sync will be a full resync"))
				return nil
			}

			fmt.Printf("Repository: %s @ %s\n", cyan(snap.RepoURL), snap.Ref)
			fmt.Printf("Commit:     %s\n", snap.CommitID)
			fmt.Printf("Files:      %d\n", len(snap.Files))

			var total int64
			for _, rec := range snap.Files {
				total += rec.Size
			}
			fmt.Printf("Size:       %s\n", humanize.Bytes(uint64(total)))

			if last := snap.LastSync; last != nil {
				fmt.Printf("Last sync:  %s via %s (%s ago)\n",
					last.StartedAt.Format(time.RFC3339),
					last.Transport,
					time.Since(last.StartedAt).Round(time.Second))
				fmt.Printf("            +%d ~%d -%d =%d",
					last.Added, last.Modified, last.Deleted, last.Unchanged)
				if last.Failed > 0 {
					fmt.Printf(" %s", red(fmt.Sprintf("!%d", last.Failed)))
				}
				fmt.Println()
			}

			return nil
		},
	}

	statusCmd.Flags().StringP("local", "l", "", "local directory path")

	return statusCmd
}
