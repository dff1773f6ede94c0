// Package patterns matches file names against glob ignore patterns.
package patterns

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher decides whether a file name is ignored. It is immutable after
// construction, so IsIgnored is safe for concurrent use.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMatcher compiles the given patterns. Blank entries and entries
// starting with '#' are skipped.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}

		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, pattern)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// IsIgnored reports whether the base name of path matches any pattern.
func (m *Matcher) IsIgnored(path string) bool {
	if m == nil {
		return false
	}
	name := filepath.Base(path)
	for _, g := range m.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern sources.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}
