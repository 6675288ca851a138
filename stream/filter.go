package stream

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns over table and
// scope names. Shared-topic transports (Kafka) use it to discard events
// for tables the client never subscribed to.
type GlobFilter struct {
	tableGlobs []glob.Glob
	scopeGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty pattern lists match everything.
func NewGlobFilter(tablePatterns, scopePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
		scopeGlobs: make([]glob.Glob, 0, len(scopePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range scopePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid scope pattern %q: %w", pattern, err)
		}
		filter.scopeGlobs = append(filter.scopeGlobs, g)
	}

	return filter, nil
}

// Match returns true if the table and scope match the configured patterns.
// If no patterns are configured, all events match.
func (f *GlobFilter) Match(table, scope string) bool {
	tableMatch := len(f.tableGlobs) == 0
	if !tableMatch {
		for _, g := range f.tableGlobs {
			if g.Match(table) {
				tableMatch = true
				break
			}
		}
	}

	if !tableMatch {
		return false
	}

	scopeMatch := len(f.scopeGlobs) == 0
	if !scopeMatch {
		for _, g := range f.scopeGlobs {
			if g.Match(scope) {
				scopeMatch = true
				break
			}
		}
	}

	return scopeMatch
}
