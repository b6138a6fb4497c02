package persistence

import (
	"context"
	"sort"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore keeps documents in process memory.
func NewMemoryStore(opts StoreOptions) Store {
	return newStore(&memoryBackend{data: map[string]map[string][]byte{}}, opts)
}

func (b *memoryBackend) get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	payload, ok := b.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (b *memoryBackend) put(ctx context.Context, collection, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	docs, ok := b.data[collection]
	if !ok {
		docs = map[string][]byte{}
		b.data[collection] = docs
	}
	docs[id] = append([]byte(nil), payload...)
	return nil
}

func (b *memoryBackend) remove(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data[collection], id)
	return nil
}

func (b *memoryBackend) scan(ctx context.Context, collection string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.data[collection]))
	for id := range b.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]byte(nil), b.data[collection][id]...))
	}
	return out, nil
}

func (b *memoryBackend) close() error {
	return nil
}
