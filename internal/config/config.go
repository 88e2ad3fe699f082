package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/reposync/reposync/internal/utils"
	"gopkg.in/yaml.v3"
)

// SyncMethod selects the primary transport.
type SyncMethod string

const (
	MethodAPI     SyncMethod = "api"
	MethodArchive SyncMethod = "archive"
)

var (
	ErrNoRepoURL   = errors.New("config: repository url missing")
	ErrNoLocalPath = errors.New("config: local path missing")
)

// Config is the resolved configuration a sync pass runs with. The CLI layer
// assembles it from flags, a YAML file and the environment; the engine only
// ever sees the finished struct.
type Config struct {
	RepoURL     string     `yaml:"repo_url"`
	Ref         string     `yaml:"ref"`
	LocalPath   string     `yaml:"local_path"`
	Token       string     `yaml:"token"`
	Method      SyncMethod `yaml:"method"`
	Workers     int        `yaml:"workers"`
	MaxAttempts int        `yaml:"max_attempts"`
	MaxFileSize int64      `yaml:"max_file_size"`
	RequestsPS  float64    `yaml:"requests_per_second"`
	Exclude     []string   `yaml:"exclude"`
	VerifySSL   *bool      `yaml:"verify_ssl"`
	CABundle    string     `yaml:"ca_bundle"`
}

func (c *Config) Validate() error {
	if c.RepoURL == "" {
		return ErrNoRepoURL
	}
	if _, err := utils.ParseRepoURL(c.RepoURL); err != nil {
		return err
	}
	if c.LocalPath == "" {
		return ErrNoLocalPath
	}
	if c.Method != "" && c.Method != MethodAPI && c.Method != MethodArchive {
		return fmt.Errorf("config: unknown sync method %q", c.Method)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Ref == "" {
		c.Ref = "main"
	}
	if c.Method == "" {
		c.Method = MethodAPI
	}
}

// SSLVerify reports whether TLS verification is on (default true).
func (c *Config) SSLVerify() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}
