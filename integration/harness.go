//go:build integration

package integration

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/packwright/packsyncd/internal/config"
)

// gitRun runs a git command in dir and fails the test on error.
func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// newRemote creates a bare repository seeded with a modpack layout:
// a mods directory with one jar, a config directory with one file, and
// an initial commit on main. It returns the bare repo path.
func newRemote(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	remote := filepath.Join(base, "remote.git")
	seed := filepath.Join(base, "seed")

	gitRun(t, base, "init", "--bare", "--initial-branch=main", remote)
	gitRun(t, base, "clone", remote, seed)

	writeFile(t, filepath.Join(seed, "mods", "alpha-1.0.jar"), "alpha jar bytes")
	writeFile(t, filepath.Join(seed, "config", "server.toml"), "difficulty = 2\n")

	gitRun(t, seed, "add", ".")
	gitRun(t, seed, "commit", "-m", "initial pack layout")
	gitRun(t, seed, "push", "origin", "main")

	return remote
}

// clone checks out the remote into a fresh directory.
func clone(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	gitRun(t, filepath.Dir(dir), "clone", remote, dir)
	return dir
}

// pushFiles writes files into a fresh clone of the remote, commits them
// and pushes to main. Paths are relative to the repo root.
func pushFiles(t *testing.T, remote, message string, files map[string]string) {
	t.Helper()
	dir := clone(t, remote)
	for rel, content := range files {
		writeFile(t, filepath.Join(dir, rel), content)
	}
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", message)
	gitRun(t, dir, "push", "origin", "main")
}

// remoteHead returns the commit hash of main on the remote.
func remoteHead(t *testing.T, remote string) string {
	t.Helper()
	return gitRun(t, remote, "rev-parse", "main")
}

// remoteCommitCount returns the number of commits on main.
func remoteCommitCount(t *testing.T, remote string) int {
	t.Helper()
	out := gitRun(t, remote, "rev-list", "--count", "main")
	n, err := strconv.Atoi(out)
	if err != nil {
		t.Fatalf("unexpected rev-list output %q: %v", out, err)
	}
	return n
}

// remoteHeadMessage returns the subject of the tip commit on main.
func remoteHeadMessage(t *testing.T, remote string) string {
	t.Helper()
	return gitRun(t, remote, "log", "-1", "--format=%s", "main")
}

// remoteFile returns the content of a file at the tip of main.
func remoteFile(t *testing.T, remote, path string) string {
	t.Helper()
	return gitRun(t, remote, "show", "main:"+path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gen.sh")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// jobConfig builds a minimal job configuration pointing at the remote.
func jobConfig(t *testing.T, remote string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Repo.URL = remote
	cfg.Repo.Branch = "main"
	cfg.Manifest.Path = "manifest.json"
	cfg.Pack.Name = "testpack"
	cfg.Pack.Version = "1.0.0"
	cfg.Pack.BaseURL = "https://packs.example.com/testpack"
	cfg.Commit.Message = config.DefaultCommitMessage
	cfg.Commit.AuthorName = config.DefaultAuthorName
	cfg.Commit.AuthorEmail = config.DefaultAuthorEmail
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	return cfg
}

// quietLogger discards everything below error level.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
