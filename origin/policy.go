// Package origin decides which browser origins may use the relay.
package origin

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/syncrelay/cfg"
)

// ErrOriginNotAllowed is returned for a missing or unlisted Origin
var ErrOriginNotAllowed = errors.New("origin not allowed")

const defaultCacheSize = 1024

// Policy is an exact allow-list plus glob allow-patterns.
// Pattern wildcards do not cross '.', so https://*.example.com matches one
// subdomain level only.
type Policy struct {
	exact    map[string]struct{}
	patterns []glob.Glob
	cache    *lru.Cache[string, bool]
}

// NewPolicy compiles the allow-list
func NewPolicy(allowed, patterns []string, cacheSize int) (*Policy, error) {
	if cacheSize < 1 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		exact:    make(map[string]struct{}, len(allowed)),
		patterns: make([]glob.Glob, 0, len(patterns)),
		cache:    cache,
	}
	for _, o := range allowed {
		p.exact[o] = struct{}{}
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// NewPolicyFromConfig builds the policy from the [origins] section
func NewPolicyFromConfig(c cfg.OriginConfiguration) (*Policy, error) {
	return NewPolicy(c.Allowed, c.Patterns, c.CacheSize)
}

// Allowed reports whether origin may connect
func (p *Policy) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	if ok, hit := p.cache.Get(origin); hit {
		return ok
	}

	ok := false
	for _, g := range p.patterns {
		if g.Match(origin) {
			ok = true
			break
		}
	}
	p.cache.Add(origin, ok)
	return ok
}

// Check returns ErrOriginNotAllowed when origin is rejected
func (p *Policy) Check(origin string) error {
	if !p.Allowed(origin) {
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	return nil
}
