package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/packwright/packsyncd/internal/config"
	"github.com/packwright/packsyncd/internal/manifest"
)

const stateFileName = ".packsyncd-state.json"

// Updater brings a local install directory in line with a published
// manifest: fetch the manifest, diff against installed files by content
// hash, download what changed, and optionally prune files that left the
// manifest.
type Updater struct {
	cfg    *config.Config
	http   *http.Client
	logger *slog.Logger
	dryRun bool
}

// New creates a new updater
func New(cfg *config.Config, httpClient *http.Client, logger *slog.Logger, dryRun bool) *Updater {
	return &Updater{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the complete update process
func (u *Updater) Run(ctx context.Context) error {
	installDir := u.cfg.Client.InstallDir

	u.logger.Info("starting update",
		"manifest_url", u.cfg.Client.ManifestURL,
		"install_dir", installDir,
		"dry_run", u.dryRun)

	m, err := manifest.Fetch(ctx, u.http, u.cfg.Client.ManifestURL)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	u.logger.Info("manifest fetched",
		"pack", m.Modpack.Name,
		"version", m.Modpack.Version,
		"mods", len(m.Modpack.Mods),
		"configs", len(m.Modpack.Configs))

	prevState, err := u.loadState()
	if err != nil {
		u.logger.Warn("failed to load previous state (will treat as fresh install)", "error", err)
		prevState = &State{ManagedFiles: make(map[string]ManagedFile)}
	}

	plan, err := u.buildPlan(m, prevState)
	if err != nil {
		return fmt.Errorf("failed to build update plan: %w", err)
	}

	u.logger.Info("update plan",
		"download", len(plan.Download),
		"keep", len(plan.Keep),
		"remove", len(plan.Remove))

	if u.dryRun {
		u.logPlanDetails(plan)
		u.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := u.applyPlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to apply update plan: %w", err)
	}

	newState := buildState(m, plan)
	if err := u.saveState(newState); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	u.logger.Info("update completed successfully")
	return nil
}

// buildPlan computes the diff between the manifest and the installed files.
// A file is current when it exists locally with the manifest's hash;
// everything else in the manifest is downloaded. Files tracked in state but
// gone from the manifest become removals when prune is enabled.
func (u *Updater) buildPlan(m *manifest.Manifest, prevState *State) (*Plan, error) {
	plan := &Plan{
		Download: make([]FileOp, 0),
		Keep:     make([]FileOp, 0),
		Remove:   make([]FileOp, 0),
	}

	desired := make(map[string]FileOp)
	for _, mod := range m.Modpack.Mods {
		if mod.File == "" {
			continue
		}
		desired[mod.File] = FileOp{RelPath: mod.File, URL: mod.URL, SHA256: mod.SHA256}
	}
	for _, cf := range m.Modpack.Configs {
		if cf.Path == "" {
			continue
		}
		desired[cf.Path] = FileOp{RelPath: cf.Path, URL: cf.URL, SHA256: cf.SHA256}
	}

	for _, op := range desired {
		localPath := u.installPath(op.RelPath)

		if _, err := os.Stat(localPath); err == nil {
			hash, err := manifest.FileSHA256(localPath)
			if err != nil {
				return nil, fmt.Errorf("failed to hash %s: %w", localPath, err)
			}
			if hash == op.SHA256 {
				plan.Keep = append(plan.Keep, op)
				continue
			}
		}

		if op.URL == "" {
			return nil, fmt.Errorf("manifest entry %s has no download URL", op.RelPath)
		}
		plan.Download = append(plan.Download, op)
	}

	if u.cfg.ClientPrune() {
		for relPath := range prevState.ManagedFiles {
			if _, exists := desired[relPath]; !exists {
				plan.Remove = append(plan.Remove, FileOp{RelPath: relPath})
			}
		}
	}

	// The desired set is a map, so order the ops for stable download and
	// log order across runs.
	sortOps(plan.Download)
	sortOps(plan.Keep)
	sortOps(plan.Remove)

	return plan, nil
}

func sortOps(ops []FileOp) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].RelPath < ops[j].RelPath })
}

// applyPlan executes the update plan
func (u *Updater) applyPlan(ctx context.Context, plan *Plan) error {
	for _, op := range plan.Download {
		u.logger.Info("downloading file", "path", op.RelPath, "url", op.URL)
		if err := u.downloadFile(ctx, op); err != nil {
			return fmt.Errorf("failed to download %s: %w", op.RelPath, err)
		}
	}

	for _, op := range plan.Remove {
		u.logger.Info("removing file", "path", op.RelPath)
		if err := os.Remove(u.installPath(op.RelPath)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", op.RelPath, err)
		}
	}

	return nil
}

// downloadFile fetches one file to a temp file, verifies its hash, and
// moves it into place atomically.
func (u *Updater) downloadFile(ctx context.Context, op FileOp) error {
	dst := u.installPath(op.RelPath)

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", manifest.UserAgent)

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".packsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Verify content hash before the file becomes visible
	hash, err := manifest.FileSHA256(tmpPath)
	if err != nil {
		return err
	}
	if op.SHA256 != "" && hash != op.SHA256 {
		return fmt.Errorf("hash mismatch: expected %s, got %s", op.SHA256, hash)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}

	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (u *Updater) logPlanDetails(plan *Plan) {
	for _, op := range plan.Download {
		u.logger.Info("[dry-run] would download", "path", op.RelPath, "url", op.URL)
	}
	for _, op := range plan.Keep {
		u.logger.Info("[dry-run] up to date", "path", op.RelPath)
	}
	for _, op := range plan.Remove {
		u.logger.Info("[dry-run] would remove", "path", op.RelPath)
	}
}

// buildState creates a new State from the applied plan
func buildState(m *manifest.Manifest, plan *Plan) *State {
	state := &State{
		PackVersion:  m.Modpack.Version,
		ManagedFiles: make(map[string]ManagedFile),
	}

	for _, op := range plan.Keep {
		state.ManagedFiles[op.RelPath] = ManagedFile{SHA256: op.SHA256}
	}
	for _, op := range plan.Download {
		state.ManagedFiles[op.RelPath] = ManagedFile{SHA256: op.SHA256}
	}

	return state
}

// installPath maps an install-relative slash path to the local filesystem.
func (u *Updater) installPath(relPath string) string {
	return filepath.Join(u.cfg.Client.InstallDir, filepath.FromSlash(relPath))
}

func (u *Updater) stateFilePath() string {
	return filepath.Join(u.cfg.Client.InstallDir, stateFileName)
}

// loadState loads the previous state from disk
func (u *Updater) loadState() (*State, error) {
	data, err := os.ReadFile(u.stateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{ManagedFiles: make(map[string]ManagedFile)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// saveState persists the state to disk
func (u *Updater) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(u.stateFilePath(), data, 0644)
}
