package generator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/packwright/packsyncd/internal/manifest"
)

// Runner produces or updates the manifest file inside a checkout directory.
// The contract is deliberately narrow: write the manifest at its fixed
// repository-relative path and return nil on success. What the generator
// does internally is opaque to the sync job.
type Runner interface {
	Generate(ctx context.Context, dir string) error
}

// ExecRunner invokes an external generator command in the checkout
// directory. No extra arguments and no environment beyond the parent's
// are passed; a non-zero exit fails the run.
type ExecRunner struct {
	argv []string
}

// NewExecRunner creates a runner for the given generator argv.
func NewExecRunner(argv []string) *ExecRunner {
	return &ExecRunner{argv: argv}
}

// Generate runs the external generator command with dir as working directory.
func (r *ExecRunner) Generate(ctx context.Context, dir string) error {
	if len(r.argv) == 0 {
		return fmt.Errorf("generator command is empty")
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("generator command failed: %w: %s", err, string(output))
	}
	return nil
}

// BuiltinRunner is the built-in manifest generator: scan the mods and config
// directories, hash every tracked file, and write the manifest document.
// It implements the same invocation contract as an external generator, so
// the sync job treats both identically.
type BuiltinRunner struct {
	baseDir      string
	manifestPath string // repository-relative
	pack         manifest.Pack
}

// NewBuiltinRunner creates the built-in generator.
func NewBuiltinRunner(baseDir, manifestPath string, pack manifest.Pack) *BuiltinRunner {
	return &BuiltinRunner{
		baseDir:      baseDir,
		manifestPath: manifestPath,
		pack:         pack,
	}
}

// Generate builds the manifest from dir and writes it to the fixed path.
// Output is deterministic, so unchanged inputs rewrite identical bytes.
func (r *BuiltinRunner) Generate(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := manifest.Build(dir, r.baseDir, r.pack)
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}

	return m.Write(filepath.Join(dir, filepath.FromSlash(r.manifestPath)))
}
