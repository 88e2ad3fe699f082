package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/reposync/reposync/internal/utils"
)

const (
	DefaultAPIBaseURL = "https://api.github.com"

	// the contents endpoint refuses inline content above 1 MiB;
	// larger files go through the blob endpoint
	contentsSizeLimit = 1 << 20

	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"

	rawMediaType = "application/vnd.github.raw"
)

// APITransport lists and fetches repository content through the structured
// GitHub REST API, one request per file.
type APITransport struct {
	client *req.Client
	repo   *utils.RepoURL

	// commit the last ListTree was served for, needed by the contents endpoint
	commitID string
}

// NewAPITransport wraps a pre-configured HTTP client. The client carries
// proxy, TLS trust and base retry policy; the transport only adds API
// routing and auth headers.
func NewAPITransport(client *req.Client, repo *utils.RepoURL, token string) *APITransport {
	c := client.Clone().
		SetBaseURL(DefaultAPIBaseURL).
		SetCommonHeader("Accept", "application/vnd.github.v3+json")

	if token != "" {
		c.SetCommonHeader("Authorization", "token "+token)
	}

	return &APITransport{
		client: c,
		repo:   repo,
	}
}

func (t *APITransport) Name() string {
	return "api"
}

func (t *APITransport) Close() error {
	return nil
}

// Ping checks that the repository is reachable and readable. Used for fast
// auth/404 diagnostics before a pass starts.
func (t *APITransport) Ping(ctx context.Context) error {
	resp, err := t.client.R().
		SetContext(ctx).
		Get(t.repoPath(""))
	if err != nil {
		return fmt.Errorf("ping %s: %w: %w", t.repo.Slug(), ErrUnavailable, err)
	}

	if resp.IsErrorState() {
		return fmt.Errorf("ping %s: %w", t.repo.Slug(), t.statusError(resp))
	}

	return nil
}

// ResolveRef resolves a branch, tag, full or short commit SHA to a commit
// SHA, in that order. A failing "main" is retried once as "master".
func (t *APITransport) ResolveRef(ctx context.Context, ref string) (string, error) {
	sha, err := t.resolveOnce(ctx, ref)
	if err == nil {
		return sha, nil
	}

	if ref == "main" && !IsUnavailable(err) {
		slog.Info("ref 'main' not found, trying 'master'")
		return t.resolveOnce(ctx, "master")
	}

	return "", err
}

func (t *APITransport) resolveOnce(ctx context.Context, ref string) (string, error) {
	if isCommitSHA(ref) {
		return t.verifyCommit(ctx, ref)
	}

	// branch
	sha, err := t.resolveGitRef(ctx, "heads/"+ref)
	if err == nil {
		return sha, nil
	}
	if IsUnavailable(err) {
		return "", err
	}

	// tag, possibly annotated
	sha, err = t.resolveGitRef(ctx, "tags/"+ref)
	if err == nil {
		return t.peelTag(ctx, sha)
	}
	if IsUnavailable(err) {
		return "", err
	}

	// short sha prefix
	if isShortSHA(ref) {
		if sha, err := t.resolveShortSHA(ctx, ref); err == nil {
			return sha, nil
		} else if IsUnavailable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("resolve %q: %w", ref, ErrRefNotFound)
}

func (t *APITransport) verifyCommit(ctx context.Context, sha string) (string, error) {
	var commit commitResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetSuccessResult(&commit).
		Get(t.repoPath("/git/commits/" + sha))
	if err != nil {
		return "", fmt.Errorf("verify commit: %w: %w", ErrUnavailable, err)
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("verify commit %s: %w", sha, t.statusError(resp))
	}
	return commit.SHA, nil
}

func (t *APITransport) resolveGitRef(ctx context.Context, ref string) (string, error) {
	var res refResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetSuccessResult(&res).
		Get(t.repoPath("/git/ref/" + ref))
	if err != nil {
		return "", fmt.Errorf("resolve ref: %w: %w", ErrUnavailable, err)
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("resolve ref %s: %w", ref, t.statusError(resp))
	}
	return res.Object.SHA, nil
}

// peelTag follows an annotated tag object down to the commit it points at.
func (t *APITransport) peelTag(ctx context.Context, sha string) (string, error) {
	var tag tagObjectResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetSuccessResult(&tag).
		Get(t.repoPath("/git/tags/" + sha))
	if err != nil {
		return "", fmt.Errorf("peel tag: %w: %w", ErrUnavailable, err)
	}
	if resp.IsErrorState() {
		// lightweight tags point straight at the commit
		return sha, nil
	}
	if tag.Object.Type == "tag" {
		return t.peelTag(ctx, tag.Object.SHA)
	}
	return tag.Object.SHA, nil
}

func (t *APITransport) resolveShortSHA(ctx context.Context, ref string) (string, error) {
	var commits []commitResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("sha", ref).
		SetQueryParam("per_page", "1").
		SetSuccessResult(&commits).
		Get(t.repoPath("/commits"))
	if err != nil {
		return "", fmt.Errorf("resolve short sha: %w: %w", ErrUnavailable, err)
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("resolve short sha %s: %w", ref, t.statusError(resp))
	}
	if len(commits) == 0 || !strings.HasPrefix(commits[0].SHA, ref) {
		return "", fmt.Errorf("resolve short sha %s: %w", ref, ErrRefNotFound)
	}
	return commits[0].SHA, nil
}

// ListTree fetches the full recursive listing for a commit.
func (t *APITransport) ListTree(ctx context.Context, commitID string) ([]*RemoteEntry, error) {
	var tree treeResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("recursive", "1").
		SetSuccessResult(&tree).
		Get(t.repoPath("/git/trees/" + commitID))
	if err != nil {
		return nil, fmt.Errorf("list tree: %w: %w", ErrUnavailable, err)
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("list tree %s: %w", commitID, t.statusError(resp))
	}

	if tree.Truncated {
		slog.Warn("remote tree listing truncated by the API", "commit", commitID, "entries", len(tree.Tree))
	}

	entries := make([]*RemoteEntry, 0, len(tree.Tree))
	for _, e := range tree.Tree {
		entry := &RemoteEntry{
			Path:        e.Path,
			Fingerprint: e.SHA,
			Size:        e.Size,
		}

		switch {
		case e.Type == "tree":
			entry.Kind = KindDir
		case e.Type == "commit" || e.Mode == gitModeSubmodule:
			entry.Kind = KindSubmodule
		case e.Mode == gitModeSymlink:
			entry.Kind = KindSymlink
		case e.Mode == gitModeExecutable:
			entry.Kind = KindFile
			entry.Mode = 0o755
		default:
			entry.Kind = KindFile
			entry.Mode = 0o644
		}

		entries = append(entries, entry)
	}

	t.commitID = commitID
	return entries, nil
}

// Fetch streams one file's content. Small files come inline from the
// contents endpoint; files above the 1 MiB contents limit, and 403s from
// it, fall back to the raw blob endpoint.
func (t *APITransport) Fetch(ctx context.Context, path string, fingerprint string) (io.ReadCloser, error) {
	var content contentResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("ref", t.commitID).
		SetSuccessResult(&content).
		Get(t.repoPath("/contents/" + escapePath(path)))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}

	if resp.IsErrorState() {
		statusErr := t.statusError(resp)
		if resp.GetStatusCode() == 403 {
			if _, quota := IsQuota(statusErr); !quota {
				return t.fetchBlob(ctx, fingerprint)
			}
		}
		return nil, fmt.Errorf("fetch %s: %w", path, statusErr)
	}

	if content.Size > contentsSizeLimit || (content.Content == "" && content.Size > 0) {
		return t.fetchBlob(ctx, fingerprint)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: decode content: %w", path, err)
	}

	return io.NopCloser(bytes.NewReader(raw)), nil
}

// fetchBlob streams the raw blob body without buffering it in memory.
func (t *APITransport) fetchBlob(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", rawMediaType).
		DisableAutoReadResponse().
		Get(t.repoPath("/git/blobs/" + fingerprint))
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", fingerprint, err)
	}

	if resp.IsErrorState() {
		defer resp.Body.Close()
		return nil, fmt.Errorf("fetch blob %s: %w", fingerprint, t.statusError(resp))
	}

	return resp.Body, nil
}

// RateLimit reports the remaining API request quota.
func (t *APITransport) RateLimit(ctx context.Context) (remaining int, limit int, err error) {
	var res rateLimitResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetSuccessResult(&res).
		Get("/rate_limit")
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit: %w", err)
	}
	if resp.IsErrorState() {
		return 0, 0, fmt.Errorf("rate limit: %w", t.statusError(resp))
	}
	return res.Rate.Remaining, res.Rate.Limit, nil
}

// statusError maps a non-2xx response to the engine's error taxonomy.
func (t *APITransport) statusError(resp *req.Response) error {
	status := resp.GetStatusCode()

	switch {
	case status == 401:
		return NewAPIError(CodeUnauthorized, status, "authentication failed, check your token")
	case status == 429:
		return &QuotaError{Reset: parseRateReset(resp.GetHeader(headerRateReset))}
	case status == 403:
		if resp.GetHeader(headerRateRemaining) == "0" {
			return &QuotaError{Reset: parseRateReset(resp.GetHeader(headerRateReset))}
		}
		return NewAPIError(CodeAccessDenied, status, "access denied")
	case status == 404:
		return fmt.Errorf("%w: %s", ErrFileNotFound, resp.GetStatus())
	case status >= 500:
		return NewAPIError(CodeInternalError, status, resp.GetStatus())
	default:
		return NewAPIError(CodeUnknownError, status, resp.GetStatus())
	}
}

func (t *APITransport) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", t.repo.Owner, t.repo.Name, suffix)
}

// escapePath escapes each segment of a slash-separated tree path so names
// containing characters like '#' or '?' survive URL parsing.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func parseRateReset(value string) time.Time {
	epoch, err := strconv.ParseInt(value, 10, 64)
	if err != nil || epoch == 0 {
		// bounded default when the server didn't say
		return time.Now().Add(time.Minute)
	}
	return time.Unix(epoch, 0)
}

func isCommitSHA(ref string) bool {
	return len(ref) == 40 && isHex(ref)
}

func isShortSHA(ref string) bool {
	return len(ref) >= 7 && len(ref) < 40 && isHex(ref)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
