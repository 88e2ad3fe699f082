package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// RepoURL is a parsed source-control repository URL.
type RepoURL struct {
	Host  string
	Owner string
	Name  string
}

// String returns the canonical https URL without a .git suffix.
func (r *RepoURL) String() string {
	return fmt.Sprintf("https://%s/%s/%s", r.Host, r.Owner, r.Name)
}

// Slug returns the `owner/name` form.
func (r *RepoURL) Slug() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoURL parses a repository URL into host, owner and repo name.
func ParseRepoURL(urlString string) (*RepoURL, error) {
	parsed, err := url.ParseRequestURI(urlString)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", urlString, err)
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", urlString)
	}

	path := strings.TrimSuffix(strings.Trim(parsed.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid repository url %q: want host/owner/repo", urlString)
	}

	return &RepoURL{
		Host:  strings.TrimPrefix(parsed.Host, "www."),
		Owner: parts[0],
		Name:  parts[1],
	}, nil
}
