package lifecycle

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters lifecycle events using glob patterns over channel type
type GlobFilter struct {
	typeGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(typePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		typeGlobs: make([]glob.Glob, 0, len(typePatterns)),
	}

	for _, pattern := range typePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid channel type pattern %q: %w", pattern, err)
		}
		filter.typeGlobs = append(filter.typeGlobs, g)
	}

	return filter, nil
}

// Match returns true if the channel type matches the configured patterns
// If no patterns are configured, all events match
func (f *GlobFilter) Match(channelType string) bool {
	if len(f.typeGlobs) == 0 {
		return true
	}
	for _, g := range f.typeGlobs {
		if g.Match(channelType) {
			return true
		}
	}
	return false
}
