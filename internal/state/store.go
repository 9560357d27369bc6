package state

import "context"

// Store is the durable key-value surface behind crash recovery: the
// active position snapshot and the unhedged halt flag live here, keyed
// by PositionKey and UnhedgedKey. Absent keys report ok=false rather
// than an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
