package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/packwright/packsyncd/internal/config"
	"github.com/packwright/packsyncd/internal/generator"
	"github.com/packwright/packsyncd/internal/git"
	"github.com/packwright/packsyncd/internal/trigger"
)

// Engine runs the manifest sync job: invoke the generator, diff, and
// commit-if-changed. It carries no state between runs; every run is an
// isolated pipeline whose only shared resource is the remote branch ref,
// serialized by git's fast-forward-only push.
type Engine struct {
	cfg    *config.Config
	git    git.Client
	gen    generator.Runner
	logger *slog.Logger
	dryRun bool
}

// Result summarizes one run for logging.
type Result struct {
	RunID           string
	Commit          string // new commit hash, empty when nothing was committed
	ManifestChanged bool
	Pushed          bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, gen generator.Runner, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		gen:    gen,
		logger: logger,
		dryRun: dryRun,
	}
}

// Generator returns the configured manifest generator.
func (e *Engine) Generator() generator.Runner {
	return e.gen
}

// Run executes one full sync run in a fresh, isolated checkout. The
// per-run working directory is removed afterwards regardless of outcome;
// a failed run leaves no state behind and the next triggering event starts
// from a fresh checkout.
func (e *Engine) Run(ctx context.Context, ev trigger.Event) (*Result, error) {
	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID)
	if ev.Ref != "" {
		logger = logger.With("ref", ev.Ref, "head", ev.Commit)
	}

	logger.Info("starting sync run",
		"repo", e.cfg.Repo.URL,
		"branch", e.cfg.Repo.Branch,
		"dry_run", e.dryRun)

	if err := os.MkdirAll(e.cfg.RunsDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	workdir := filepath.Join(e.cfg.RunsDir(), runID)
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			logger.Warn("failed to remove run directory", "dir", workdir, "error", err)
		}
	}()

	commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Branch, workdir)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout repository: %w", err)
	}
	logger.Info("repository checked out", "commit", commit)

	res, err := e.runAt(ctx, logger, runID, workdir)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunAt executes the sync pipeline in an existing working copy without a
// fresh checkout. Watch mode uses this to run against a local worktree.
func (e *Engine) RunAt(ctx context.Context, dir string, ev trigger.Event) (*Result, error) {
	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID, "workdir", dir)
	logger.Info("starting sync run in existing worktree", "dry_run", e.dryRun)

	return e.runAt(ctx, logger, runID, dir)
}

// runAt is the sequential pipeline: generate, diff, stage, commit-if-changed,
// push. Any step failure fails the whole run; there is no retry and no
// partial-state cleanup.
func (e *Engine) runAt(ctx context.Context, logger *slog.Logger, runID, dir string) (*Result, error) {
	res := &Result{RunID: runID}

	// 1. Generator invocation. The generator owns the manifest content;
	//    this layer never creates or deletes the file itself.
	logger.Info("running manifest generator")
	if err := e.gen.Generate(ctx, dir); err != nil {
		return nil, fmt.Errorf("generator failed: %w", err)
	}

	// 2. Detect change: the working-tree diff is logged only, never
	//    branched on. The commit decision is made on the staged diff below.
	diff, err := e.git.Diff(ctx, dir, e.cfg.Manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to diff manifest: %w", err)
	}
	if diff == "" {
		logger.Info("manifest diff", "changed", false)
	} else {
		logger.Info("manifest diff", "changed", true, "diff", diff)
	}

	if e.dryRun {
		res.ManifestChanged = diff != ""
		logger.Info("dry-run complete, no commit attempted")
		return res, nil
	}

	// 3. Commit-if-changed: stage the manifest, then decide on the staged diff.
	if err := e.git.Add(ctx, dir, e.cfg.Manifest.Path); err != nil {
		return nil, fmt.Errorf("failed to stage manifest: %w", err)
	}

	changed, err := e.git.HasStagedChanges(ctx, dir, e.cfg.Manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to check staged changes: %w", err)
	}
	if !changed {
		logger.Info("manifest unchanged, nothing to commit")
		return res, nil
	}
	res.ManifestChanged = true

	author := git.Identity{
		Name:  e.cfg.Commit.AuthorName,
		Email: e.cfg.Commit.AuthorEmail,
	}
	commit, err := e.git.Commit(ctx, dir, e.cfg.Commit.Message, author)
	if err != nil {
		return nil, fmt.Errorf("failed to commit manifest: %w", err)
	}
	res.Commit = commit
	logger.Info("manifest committed", "commit", commit, "message", e.cfg.Commit.Message)

	// 4. Push. A rejected push (credential failure or a concurrent run
	//    having advanced the branch) fails the run like any other step.
	if err := e.git.Push(ctx, dir, e.cfg.Repo.URL, e.cfg.Repo.Branch); err != nil {
		return nil, fmt.Errorf("failed to push manifest commit: %w", err)
	}
	res.Pushed = true
	logger.Info("manifest pushed", "branch", e.cfg.Repo.Branch, "commit", commit)

	return res, nil
}
