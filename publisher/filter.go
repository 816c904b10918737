package publisher

import (
	"fmt"

	"github.com/civicworks/changefeed/realtime"
	"github.com/gobwas/glob"
)

// GlobFilter selects columns using glob patterns
type GlobFilter struct {
	includeGlobs []glob.Glob
	excludeGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based column filter.
// Empty include patterns match every column; excludes win over includes.
func NewGlobFilter(includePatterns, excludePatterns []string) (*GlobFilter, error) {
	include, err := compileGlobs(includePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(excludePatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{includeGlobs: include, excludeGlobs: exclude}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid column pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if the column should be relayed
func (f *GlobFilter) Match(column string) bool {
	for _, g := range f.excludeGlobs {
		if g.Match(column) {
			return false
		}
	}
	if len(f.includeGlobs) == 0 {
		return true
	}
	for _, g := range f.includeGlobs {
		if g.Match(column) {
			return true
		}
	}
	return false
}

// passAll reports whether the filter can never drop a column
func (f *GlobFilter) passAll() bool {
	return len(f.includeGlobs) == 0 && len(f.excludeGlobs) == 0
}

// Project returns ev with filtered row images. Events are shared between
// subscribers, so a copy is returned whenever a column is dropped.
func Project(ev *realtime.ChangeEvent, filter Filter) *realtime.ChangeEvent {
	if filter == nil {
		return ev
	}
	if gf, ok := filter.(*GlobFilter); ok && gf.passAll() {
		return ev
	}

	out := *ev
	out.New = projectRecord(ev.New, filter)
	out.Old = projectRecord(ev.Old, filter)
	return &out
}

func projectRecord(rec realtime.Record, filter Filter) realtime.Record {
	if rec == nil {
		return nil
	}
	out := make(realtime.Record, len(rec))
	for col, v := range rec {
		if filter.Match(col) {
			out[col] = v
		}
	}
	return out
}
