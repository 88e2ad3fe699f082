package transport

import (
	"archive/zip"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/reposync/reposync/internal/utils"
)

// ArchiveTransport mirrors a repository by downloading the whole-tree zip
// archive and serving individual reads out of the extracted copy. It is the
// fallback when the structured API is unreachable or blocked by network
// policy: archive downloads ride on the plain web host, not the API host.
//
// Fingerprints are git blob SHA-1s computed over the extracted content, so
// they compare equal to the tree SHAs the API transport reports and a
// transport switch does not invalidate the snapshot.
type ArchiveTransport struct {
	client  *req.Client
	repo    *utils.RepoURL
	baseURL string

	stageDir string // extracted working tree, removed on Close
}

func NewArchiveTransport(client *req.Client, repo *utils.RepoURL) *ArchiveTransport {
	return &ArchiveTransport{
		client:  client.Clone(),
		repo:    repo,
		baseURL: repo.String(),
	}
}

func (t *ArchiveTransport) Name() string {
	return "archive"
}

// ResolveRef downloads and extracts the archive for the given ref. The ref
// token itself is the content identifier: without the API there is nothing
// to peel a branch or tag into.
func (t *ArchiveTransport) ResolveRef(ctx context.Context, ref string) (string, error) {
	for _, url := range t.archiveURLs(ref) {
		stageDir, err := t.downloadAndExtract(ctx, url)
		if err == nil {
			t.cleanupStage()
			t.stageDir = stageDir
			return ref, nil
		}

		if IsUnavailable(err) {
			return "", err
		}
		slog.Debug("archive candidate failed", "url", url, "error", err)
	}

	return "", fmt.Errorf("archive: resolve %q: %w", ref, ErrRefNotFound)
}

// ListTree walks the extracted tree and fingerprints every file.
func (t *ArchiveTransport) ListTree(ctx context.Context, commitID string) ([]*RemoteEntry, error) {
	if t.stageDir == "" {
		if _, err := t.ResolveRef(ctx, commitID); err != nil {
			return nil, err
		}
	}

	var entries []*RemoteEntry
	err := filepath.WalkDir(t.stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(t.stageDir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := &RemoteEntry{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
			Kind: KindFile,
			Mode: 0o644,
		}
		if info.Mode()&0o111 != 0 {
			entry.Mode = 0o755
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			entry.Kind = KindSymlink
		} else {
			fp, err := blobSHA1(path, info.Size())
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", rel, err)
			}
			entry.Fingerprint = fp
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list tree: %w", err)
	}

	return entries, nil
}

// Fetch serves a file read out of the extracted archive.
func (t *ArchiveTransport) Fetch(ctx context.Context, path string, fingerprint string) (io.ReadCloser, error) {
	if t.stageDir == "" {
		return nil, fmt.Errorf("archive: fetch %s: no archive staged", path)
	}

	full, err := safeJoin(t.stageDir, path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: fetch %s: %w", path, ErrFileNotFound)
		}
		return nil, fmt.Errorf("archive: fetch %s: %w", path, err)
	}

	return f, nil
}

func (t *ArchiveTransport) Close() error {
	t.cleanupStage()
	return nil
}

func (t *ArchiveTransport) cleanupStage() {
	if t.stageDir != "" {
		if err := os.RemoveAll(t.stageDir); err != nil {
			slog.Warn("failed to remove archive stage", "dir", t.stageDir, "error", err)
		}
		t.stageDir = ""
	}
}

// archiveURLs returns the candidate zip URLs for a ref token, most specific
// first. Commit-like tokens get the bare archive path; anything else is
// tried as a branch then as a tag.
func (t *ArchiveTransport) archiveURLs(ref string) []string {
	base := t.baseURL

	if t.repo.Host == "gitlab.com" {
		return []string{
			fmt.Sprintf("%s/-/archive/%s/archive.zip", base, ref),
		}
	}

	if isCommitSHA(ref) || isShortSHA(ref) {
		return []string{
			fmt.Sprintf("%s/archive/%s.zip", base, ref),
		}
	}

	return []string{
		fmt.Sprintf("%s/archive/refs/heads/%s.zip", base, ref),
		fmt.Sprintf("%s/archive/refs/tags/%s.zip", base, ref),
	}
}

func (t *ArchiveTransport) downloadAndExtract(ctx context.Context, url string) (string, error) {
	tmpFile, err := os.CreateTemp("", "reposync-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	resp, err := t.client.R().
		SetContext(ctx).
		SetOutputFile(tmpFile.Name()).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("download archive: %w: %w", ErrUnavailable, err)
	}

	if resp.IsErrorState() {
		if resp.GetStatusCode() == 404 {
			return "", fmt.Errorf("download archive %s: %w", url, ErrRefNotFound)
		}
		return "", fmt.Errorf("download archive %s: status %d", url, resp.GetStatusCode())
	}

	stageDir, err := os.MkdirTemp("", "reposync-archive-*")
	if err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}

	if err := extractZip(tmpFile.Name(), stageDir); err != nil {
		os.RemoveAll(stageDir)
		return "", fmt.Errorf("extract archive: %w", err)
	}

	return stageDir, nil
}

// extractZip extracts an archive into dst, stripping the single top-level
// directory the forges put into repo archives. Entry paths are validated
// against dst so a crafted archive cannot write outside it.
func extractZip(zipPath, dst string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if len(r.File) == 0 {
		return fmt.Errorf("empty archive")
	}
	baseDir := r.File[0].Name

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, baseDir)
		if name == "" {
			continue
		}

		target, err := safeJoin(dst, name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
			continue
		}

		if err := utils.EnsureParent(target); err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return fmt.Errorf("create file %s: %w", target, err)
		}

		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	return nil
}

// safeJoin joins rel onto root, refusing anything that would resolve
// outside root.
func safeJoin(root, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimPrefix(rel, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return filepath.Join(root, rel), nil
}

// blobSHA1 computes the git blob object hash of a file: the SHA-1 of
// "blob <size>\x00" followed by the content.
func blobSHA1(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", size)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
