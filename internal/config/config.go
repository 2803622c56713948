package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Default commit identity and message for manifest commits.
const (
	DefaultCommitMessage = "Auto-update manifest (mods + configs)"
	DefaultAuthorName    = "packsyncd-bot"
	DefaultAuthorEmail   = "packsyncd-bot@users.noreply.github.com"
)

// Config represents the complete packsyncd configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Pack      PackConfig      `yaml:"pack"`
	Generator GeneratorConfig `yaml:"generator"`
	Commit    CommitConfig    `yaml:"commit"`
	Paths     PathsConfig     `yaml:"paths"`
	Auth      AuthConfig      `yaml:"auth"`
	Serve     ServeConfig     `yaml:"serve"`
	Watch     WatchConfig     `yaml:"watch"`
	Client    ClientConfig    `yaml:"client"`
}

// RepoConfig configures the modpack Git repository
type RepoConfig struct {
	URL     string `yaml:"url"`
	Branch  string `yaml:"branch"`
	BaseDir string `yaml:"base_dir"`
}

// TriggerConfig configures which changed paths qualify a run
type TriggerConfig struct {
	Paths []string `yaml:"paths"`
}

// ManifestConfig configures the manifest artifact
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// PackConfig holds the built-in generator inputs
type PackConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	BaseURL string `yaml:"base_url"`
}

// GeneratorConfig configures the manifest generator invocation.
// An empty command selects the built-in generator.
type GeneratorConfig struct {
	Command []string `yaml:"command"`
}

// CommitConfig configures the manifest commit identity and message
type CommitConfig struct {
	Message     string `yaml:"message"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile string `yaml:"ssh_key_file"`
	TokenFile  string `yaml:"token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// WatchConfig configures local working-copy watch mode
type WatchConfig struct {
	Dir    string `yaml:"dir"`
	Settle string `yaml:"settle"` // event settle window, e.g. "2s"
}

// ClientConfig configures the client-side updater
type ClientConfig struct {
	ManifestURL string `yaml:"manifest_url"`
	InstallDir  string `yaml:"install_dir"`
	Prune       *bool  `yaml:"prune"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.BaseDir = os.ExpandEnv(c.Repo.BaseDir)
	c.Manifest.Path = os.ExpandEnv(c.Manifest.Path)
	c.Pack.Name = os.ExpandEnv(c.Pack.Name)
	c.Pack.Version = os.ExpandEnv(c.Pack.Version)
	c.Pack.BaseURL = os.ExpandEnv(c.Pack.BaseURL)
	c.Commit.Message = os.ExpandEnv(c.Commit.Message)
	c.Commit.AuthorName = os.ExpandEnv(c.Commit.AuthorName)
	c.Commit.AuthorEmail = os.ExpandEnv(c.Commit.AuthorEmail)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	c.Watch.Dir = os.ExpandEnv(c.Watch.Dir)
	c.Client.ManifestURL = os.ExpandEnv(c.Client.ManifestURL)
	c.Client.InstallDir = os.ExpandEnv(c.Client.InstallDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if len(c.Trigger.Paths) == 0 {
		c.Trigger.Paths = []string{
			c.repoRelative("mods/**"),
			c.repoRelative("config/**"),
		}
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = "manifest.json"
	}
	if c.Commit.Message == "" {
		c.Commit.Message = DefaultCommitMessage
	}
	if c.Commit.AuthorName == "" {
		c.Commit.AuthorName = DefaultAuthorName
	}
	if c.Commit.AuthorEmail == "" {
		c.Commit.AuthorEmail = DefaultAuthorEmail
	}
	if c.Watch.Settle == "" {
		c.Watch.Settle = "2s"
	}
	if c.Client.Prune == nil {
		prune := true
		c.Client.Prune = &prune
	}
}

// Validate checks the mode-independent parts of the configuration. The
// repository and state fields the sync job needs are checked by ValidateJob;
// the serve, watch and client sections by ValidateServe, ValidateWatch and
// ValidateClient. Each command validates only the sections it uses, so a
// client-only config never has to name a repository.
func (c *Config) Validate() error {
	// Watched path patterns must compile
	for _, p := range c.Trigger.Paths {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("invalid trigger path pattern %q: %w", p, err)
		}
	}

	// Pack version must be valid semver when set
	if c.Pack.Version != "" {
		if _, err := semver.NewVersion(c.Pack.Version); err != nil {
			return fmt.Errorf("invalid pack.version %q: %w", c.Pack.Version, err)
		}
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.TokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or token_file may be set")
	}

	return nil
}

// ValidateJob checks the fields required to run the sync pipeline against
// the repository (sync, serve and watch modes).
func (c *Config) ValidateJob() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// When auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.TokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.token_file is set but repo.url does not use HTTPS scheme")
	}

	return nil
}

// ValidateServe checks the fields required by the webhook server.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.WebhookSecretFile == "" {
		return fmt.Errorf("serve.webhook_secret_file is required")
	}
	return nil
}

// ValidateWatch checks the fields required by local watch mode.
func (c *Config) ValidateWatch() error {
	if c.Watch.Dir == "" {
		return fmt.Errorf("watch.dir is required")
	}
	if !filepath.IsAbs(c.Watch.Dir) {
		return fmt.Errorf("watch.dir must be an absolute path: %s", c.Watch.Dir)
	}
	if _, err := c.WatchSettle(); err != nil {
		return err
	}
	return nil
}

// WatchSettle parses the configured settle window.
func (c *Config) WatchSettle() (time.Duration, error) {
	d, err := time.ParseDuration(c.Watch.Settle)
	if err != nil {
		return 0, fmt.Errorf("invalid watch.settle %q: %w", c.Watch.Settle, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("watch.settle must be positive")
	}
	return d, nil
}

// ValidateClient checks the fields required by the client updater.
func (c *Config) ValidateClient() error {
	if c.Client.ManifestURL == "" {
		return fmt.Errorf("client.manifest_url is required")
	}
	if c.Client.InstallDir == "" {
		return fmt.Errorf("client.install_dir is required")
	}
	if !filepath.IsAbs(c.Client.InstallDir) {
		return fmt.Errorf("client.install_dir must be an absolute path: %s", c.Client.InstallDir)
	}
	return nil
}

// RunsDir returns the directory under which per-run checkouts are created
func (c *Config) RunsDir() string {
	return filepath.Join(c.Paths.StateDir, "runs")
}

// WatchedPatterns returns the configured watched path patterns
func (c *Config) WatchedPatterns() []string {
	return c.Trigger.Paths
}

// ClientPrune reports whether the updater removes files no longer in the manifest
func (c *Config) ClientPrune() bool {
	return c.Client.Prune == nil || *c.Client.Prune
}

// repoRelative prefixes a path with the configured base directory
func (c *Config) repoRelative(path string) string {
	if c.Repo.BaseDir == "" {
		return path
	}
	return strings.TrimSuffix(c.Repo.BaseDir, "/") + "/" + path
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.TokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
