package trigger

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Event describes a change event that may qualify for a sync run.
// Paths are repository-relative, slash-separated.
type Event struct {
	Ref    string
	Commit string
	Paths  []string
}

// Filter decides whether a change event qualifies a run based on the
// configured watched path patterns. Patterns use '/' as separator and
// "**" crosses directory boundaries, matching the path filter semantics
// of push-event triggers.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// NewFilter compiles the watched path patterns into a Filter.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{
		patterns: make([]string, 0, len(patterns)),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid watched path pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, p)
		f.globs = append(f.globs, g)
	}

	return f, nil
}

// Patterns returns the patterns this filter was compiled from.
func (f *Filter) Patterns() []string {
	return f.patterns
}

// Matches reports whether a single changed path matches any watched pattern.
func (f *Filter) Matches(path string) bool {
	for _, g := range f.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// AnyMatch reports whether at least one changed path matches a watched
// pattern. An event qualifies a run iff AnyMatch over its paths is true;
// events confined to non-watched paths never start a run.
func (f *Filter) AnyMatch(paths []string) bool {
	for _, p := range paths {
		if f.Matches(p) {
			return true
		}
	}
	return false
}
