// Package statestore defines the port for the shared state mirror.
// Postgres stays the source of truth; the mirror gives workers and
// dashboards a cheap, eventually consistent read path.
package statestore

import "context"

// StateStore is a key-value view of live control-plane state.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
