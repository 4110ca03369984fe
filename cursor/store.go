// Package cursor keeps one merge cursor per (document identifier, user).
// Cursors are immutable values; callers replace them wholesale.
package cursor

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/syncrelay/merge"
)

// Store implements per-document cursor bookkeeping using lock-free concurrent maps.
type Store struct {
	docs *xsync.MapOf[string, *xsync.MapOf[string, merge.Cursor]]
}

// NewStore creates an empty cursor store.
func NewStore() *Store {
	return &Store{
		docs: xsync.NewMapOf[string, *xsync.MapOf[string, merge.Cursor]](),
	}
}

func (s *Store) users(identifier string) *xsync.MapOf[string, merge.Cursor] {
	m, _ := s.docs.LoadOrCompute(identifier, func() *xsync.MapOf[string, merge.Cursor] {
		return xsync.NewMapOf[string, merge.Cursor]()
	})
	return m
}

// Load returns the cursor for (identifier, user) if one exists.
func (s *Store) Load(identifier, user string) (merge.Cursor, bool) {
	m, ok := s.docs.Load(identifier)
	if !ok {
		return merge.Cursor{}, false
	}
	return m.Load(user)
}

// LoadOrInit returns the existing cursor or stores and returns initFn().
func (s *Store) LoadOrInit(identifier, user string, initFn func() merge.Cursor) merge.Cursor {
	c, _ := s.users(identifier).LoadOrCompute(user, initFn)
	return c
}

// Store replaces the cursor for (identifier, user).
func (s *Store) Store(identifier, user string, c merge.Cursor) {
	s.users(identifier).Store(user, c)
}

// StoreAll replaces several cursors of one document.
func (s *Store) StoreAll(identifier string, cursors map[string]merge.Cursor) {
	if len(cursors) == 0 {
		return
	}
	m := s.users(identifier)
	for user, c := range cursors {
		m.Store(user, c)
	}
}

// Delete removes a single user's cursor.
func (s *Store) Delete(identifier, user string) {
	if m, ok := s.docs.Load(identifier); ok {
		m.Delete(user)
	}
}

// DeleteDocument removes every cursor for the identifier.
func (s *Store) DeleteDocument(identifier string) {
	s.docs.Delete(identifier)
}

// Count returns the number of cursors held for the identifier.
func (s *Store) Count(identifier string) int {
	m, ok := s.docs.Load(identifier)
	if !ok {
		return 0
	}
	return m.Size()
}

// Documents returns the number of identifiers with at least one cursor entry map.
func (s *Store) Documents() int {
	return s.docs.Size()
}
