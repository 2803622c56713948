package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNonFastForward marks a push rejected because the remote branch tip
// moved. The remote's fast-forward-only semantics are the sole serialization
// point between concurrent runs; callers surface this like any other push
// failure.
var ErrNonFastForward = errors.New("push rejected (non-fast-forward)")

// Identity is the author/committer identity used for generated commits.
type Identity struct {
	Name  string
	Email string
}

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// Diff returns the working-tree diff against the index for the given paths
	Diff(ctx context.Context, repoDir string, paths ...string) (string, error)
	// Add stages the given paths
	Add(ctx context.Context, repoDir string, paths ...string) error
	// HasStagedChanges reports whether the index differs from HEAD for the given paths
	HasStagedChanges(ctx context.Context, repoDir string, paths ...string) (bool, error)
	// Commit records the staged changes and returns the new commit hash
	Commit(ctx context.Context, repoDir, message string, author Identity) (string, error)
	// Push pushes HEAD to the given branch on the origin remote
	Push(ctx context.Context, repoDir, url, branch string) error
	// HeadCommit returns the current HEAD commit hash
	HeadCommit(ctx context.Context, repoDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	// Check if repo already exists
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		// Clone the repository
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		// Fetch updates
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Checkout the specified ref
	// Strategy:
	// 1. Try direct checkout (works for local branches, tags, commit hashes)
	// 2. If that fails, try as a remote branch (origin/ref)
	// This handles tags and commit hashes correctly, and prefers local refs when they exist
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		// If direct checkout failed, try as a remote branch
		remoteRef := "origin/" + ref
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", remoteRef)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// For existing repos, the local branch may be stale after fetch.
	// Reset to the remote tracking branch to pick up new commits.
	// This is a no-op for fresh clones and silently ignored for tags/hashes.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = c.runCommand(resetCmd)
	}

	return c.HeadCommit(ctx, destDir)
}

// Diff returns the textual diff of the working tree against the index for
// the given paths (all paths when none are given).
func (c *ShellClient) Diff(ctx context.Context, repoDir string, paths ...string) (string, error) {
	args := []string{"-C", repoDir, "diff", "--"}
	args = append(args, paths...)

	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w: %s", err, string(output))
	}
	return string(output), nil
}

// Add stages the given paths.
func (c *ShellClient) Add(ctx context.Context, repoDir string, paths ...string) error {
	args := []string{"-C", repoDir, "add", "--"}
	args = append(args, paths...)

	cmd := exec.CommandContext(ctx, "git", args...)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// HasStagedChanges reports whether the index differs from HEAD for the
// given paths.
func (c *ShellClient) HasStagedChanges(ctx context.Context, repoDir string, paths ...string) (bool, error) {
	args := []string{"-C", repoDir, "diff", "--cached", "--quiet", "--"}
	args = append(args, paths...)

	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return false, nil
	}

	// Exit code 1 means the index differs; anything else is a real failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w: %s", err, string(output))
}

// Commit records the staged changes with the given message and author
// identity and returns the new commit hash. The identity is passed via
// environment so it never appears on the command line.
func (c *ShellClient) Commit(ctx context.Context, repoDir, message string, author Identity) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "commit", "-m", message)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_COMMITTER_NAME="+author.Name,
		"GIT_COMMITTER_EMAIL="+author.Email,
	)

	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	return c.HeadCommit(ctx, repoDir)
}

// Push pushes HEAD to the given branch on the origin remote. A rejection
// caused by the remote tip having moved is wrapped in ErrNonFastForward.
func (c *ShellClient) Push(ctx context.Context, repoDir, url, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "push", "origin", "HEAD:"+branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if isNonFastForward(string(output)) {
			return fmt.Errorf("%w: %s", ErrNonFastForward, string(output))
		}
		return fmt.Errorf("git push failed: %w: %s", err, string(output))
	}
	return nil
}

// HeadCommit returns the current HEAD commit hash.
func (c *ShellClient) HeadCommit(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// isNonFastForward recognizes git's rejection messages for pushes whose
// remote tip is no longer an ancestor of the pushed commit.
func isNonFastForward(output string) bool {
	return strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first") ||
		strings.Contains(output, "[rejected]")
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "PACKSYNCD_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$PACKSYNCD_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
