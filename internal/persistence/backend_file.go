package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fileBackend keeps each collection in <dir>/<collection>.json.
type fileBackend struct {
	dir string
}

func NewFileStore(dir string, opts StoreOptions) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return newStore(&fileBackend{dir: dir}, opts), nil
}

func (b *fileBackend) path(collection string) string {
	return filepath.Join(b.dir, collection+".json")
}

func (b *fileBackend) load(collection string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path(collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	docs := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (b *fileBackend) save(collection string, docs map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	target := b.path(collection)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (b *fileBackend) get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := b.load(collection)
	if err != nil {
		return nil, err
	}
	payload, ok := docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return payload, nil
}

func (b *fileBackend) put(ctx context.Context, collection, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	docs, err := b.load(collection)
	if err != nil {
		return err
	}
	docs[id] = json.RawMessage(payload)
	return b.save(collection, docs)
}

func (b *fileBackend) remove(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	docs, err := b.load(collection)
	if err != nil {
		return err
	}
	delete(docs, id)
	return b.save(collection, docs)
}

func (b *fileBackend) scan(ctx context.Context, collection string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := b.load(collection)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, docs[id])
	}
	return out, nil
}

func (b *fileBackend) close() error {
	return nil
}
