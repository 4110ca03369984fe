package content

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryKey struct {
	identifier string
	queryKey   string
}

// MemoryStore keeps content in process memory
type MemoryStore struct {
	docs *xsync.MapOf[memoryKey, string]
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: xsync.NewMapOf[memoryKey, string]()}
}

func (s *MemoryStore) Load(_ context.Context, identifier, queryKey string) (string, error) {
	text, ok := s.docs.Load(memoryKey{identifier, queryKey})
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

func (s *MemoryStore) Save(_ context.Context, identifier, queryKey, text string) error {
	s.docs.Store(memoryKey{identifier, queryKey}, text)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
