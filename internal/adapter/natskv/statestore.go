package natskv

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// StateStore implements the statestore port on a NATS KV bucket. It is
// the best-effort mirror of live control-plane state; Postgres remains
// the source of truth.
type StateStore struct {
	kv jetstream.KeyValue
}

// NewStateStore creates a KV-backed state store.
func NewStateStore(kv jetstream.KeyValue) *StateStore {
	return &StateStore{kv: kv}
}

// Put writes a mirror entry.
func (s *StateStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

// Get reads a mirror entry.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Delete removes a mirror entry. Missing keys are not an error.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists mirror keys under the given prefix.
func (s *StateStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}
