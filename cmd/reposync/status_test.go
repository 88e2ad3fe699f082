package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reposync/reposync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStatus(t *testing.T, args map[string]string) error {
	t.Helper()
	cmd := newStatusCmd()
	for name, value := range args {
		require.NoError(t, cmd.Flags().Set(name, value))
	}
	return cmd.RunE(cmd, nil)
}

func TestStatusCmd(t *testing.T) {
	t.Run("reads the committed snapshot", func(t *testing.T) {
		root := t.TempDir()
		snap := sync.NewSnapshot()
		snap.RepoURL = "https://github.com/acme/widgets"
		snap.Ref = "main"
		require.NoError(t, sync.NewSnapshotStore(root).Commit(snap))

		assert.NoError(t, runStatus(t, map[string]string{"local": root}))
	})

	t.Run("empty root is fine, missing root is not", func(t *testing.T) {
		assert.NoError(t, runStatus(t, map[string]string{"local": t.TempDir()}))

		err := runStatus(t, map[string]string{"local": filepath.Join(t.TempDir(), "nope")})
		assert.Error(t, err)
	})

	t.Run("local path comes from the config file when not flagged", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, sync.NewSnapshotStore(root).Commit(sync.NewSnapshot()))

		configPath := filepath.Join(t.TempDir(), "reposync.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(
			"repo_url: https://github.com/acme/widgets\nlocal_path: "+root+"\n"), 0o644))

		cmd := newStatusCmd()
		cmd.Flags().String("config", "", "")
		require.NoError(t, cmd.Flags().Set("config", configPath))
		assert.NoError(t, cmd.RunE(cmd, nil))
	})

	t.Run("no local path anywhere is an error", func(t *testing.T) {
		assert.Error(t, runStatus(t, nil))
	})
}
