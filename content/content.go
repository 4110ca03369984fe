// Package content loads the initial text of shared documents from a
// persistent store. The registry consults it once per channel creation.
package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/maxpert/syncrelay/cfg"
)

// ErrNotFound is returned when no content exists for (identifier, queryKey).
// The registry treats it as an empty document.
var ErrNotFound = errors.New("content not found")

// Loader returns the initial text for a document
type Loader interface {
	Load(ctx context.Context, identifier, queryKey string) (string, error)
}

// Store is a Loader that can also be seeded
type Store interface {
	Loader
	Save(ctx context.Context, identifier, queryKey, text string) error
	Close() error
}

// storageKey joins queryKey and identifier into one unambiguous key for
// flat keyspaces. The query key is length-prefixed so neither part can
// borrow characters from the other.
func storageKey(prefix, identifier, queryKey string) string {
	return prefix + strconv.Itoa(len(queryKey)) + ":" + queryKey + "/" + identifier
}

// Open creates the store selected by configuration
func Open(c cfg.ContentConfiguration) (Store, error) {
	switch c.Store {
	case cfg.ContentMemory, "":
		return NewMemoryStore(), nil
	case cfg.ContentPebble:
		return NewPebbleStore(c.Path)
	case cfg.ContentSQLite:
		return NewSQLiteStore(c.Path, c.Table)
	case cfg.ContentPostgres:
		return NewPostgresStore(context.Background(), c.DatabaseURL, c.Table)
	case cfg.ContentRedis:
		return NewRedisStore(c.RedisAddr, c.RedisPassword, c.RedisDB, c.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown content store: %s", c.Store)
	}
}
