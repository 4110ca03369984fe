package content

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
)

const pebblePrefix = "content/"

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// PebbleStore keeps zstd-compressed content in an embedded Pebble database
type PebbleStore struct {
	db   *pebble.DB
	path string
}

// NewPebbleStore opens or creates a Pebble database at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open content store at %s: %w", path, err)
	}
	return &PebbleStore{db: db, path: path}, nil
}

func pebbleKey(identifier, queryKey string) []byte {
	return []byte(storageKey(pebblePrefix, identifier, queryKey))
}

func (s *PebbleStore) Load(ctx context.Context, identifier, queryKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	val, closer, err := s.db.Get(pebbleKey(identifier, queryKey))
	if err == pebble.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()

	raw, err := zstdDecoder.DecodeAll(val, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decompress content for %s: %w", identifier, err)
	}
	return string(raw), nil
}

func (s *PebbleStore) Save(ctx context.Context, identifier, queryKey, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := zstdEncoder.EncodeAll([]byte(text), nil)
	return s.db.Set(pebbleKey(identifier, queryKey), val, pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
