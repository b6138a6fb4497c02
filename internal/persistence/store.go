package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

// Collection is a named set of versioned documents.
type Collection interface {
	Name() string
	// Create stores a new document at version 1. An empty id is generated.
	Create(ctx context.Context, id string, data optimistic.Record) (Document, error)
	Read(ctx context.Context, id string) (Document, error)
	// Update replaces the document's data. A non-zero expectedVersion must
	// match the stored version.
	Update(ctx context.Context, id string, expectedVersion int64, data optimistic.Record) (Document, error)
	Delete(ctx context.Context, id string, expectedVersion int64) error
	Search(ctx context.Context, filter Filter) ([]Document, error)
}

// Store opens collections over one backend connection.
type Store interface {
	Collection(name string) (Collection, error)
	Close() error
}

// backend moves raw encoded documents. Version checks live in store.
type backend interface {
	get(ctx context.Context, collection, id string) ([]byte, error)
	put(ctx context.Context, collection, id string, payload []byte) error
	remove(ctx context.Context, collection, id string) error
	scan(ctx context.Context, collection string) ([][]byte, error)
	close() error
}

type StoreOptions struct {
	Now   func() time.Time
	NewID func() string
}

type store struct {
	backend backend
	now     func() time.Time
	newID   func() string

	// mu serializes read-check-write sequences within this process.
	mu     sync.Mutex
	closed bool
}

func newStore(b backend, opts StoreOptions) *store {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &store{backend: b, now: now, newID: newID}
}

func (s *store) Collection(name string) (Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("%w: collection name %q", ErrInvalidInput, name)
	}
	return &collection{name: name, store: s}, nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.close()
}

type collection struct {
	name  string
	store *store
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Create(ctx context.Context, id string, data optimistic.Record) (Document, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = s.newID()
	}
	if _, err := s.backend.get(ctx, c.name, id); err == nil {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, c.name, id)
	} else if !errors.Is(err, ErrNotFound) {
		return Document{}, err
	}
	doc := Document{ID: id, Version: 1, Data: stripReserved(data), UpdatedAt: s.now()}
	if err := c.write(ctx, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *collection) Read(ctx context.Context, id string) (Document, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	return c.readLocked(ctx, id)
}

func (c *collection) Update(ctx context.Context, id string, expectedVersion int64, data optimistic.Record) (Document, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	current, err := c.readLocked(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return Document{}, c.conflict(current, expectedVersion)
	}
	next := Document{ID: current.ID, Version: current.Version + 1, Data: stripReserved(data), UpdatedAt: s.now()}
	if err := c.write(ctx, next); err != nil {
		return Document{}, err
	}
	return next, nil
}

func (c *collection) Delete(ctx context.Context, id string, expectedVersion int64) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	current, err := c.readLocked(ctx, id)
	if err != nil {
		return err
	}
	if expectedVersion != 0 && expectedVersion != current.Version {
		return c.conflict(current, expectedVersion)
	}
	return s.backend.remove(ctx, c.name, current.ID)
}

func (c *collection) Search(ctx context.Context, filter Filter) ([]Document, error) {
	s := c.store
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	payloads, err := s.backend.scan(ctx, c.name)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(payloads))
	for _, payload := range payloads {
		doc, err := decodeDocument(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s document: %w", c.name, err)
		}
		if filter.Match(doc.Record()) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (c *collection) readLocked(ctx context.Context, id string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	payload, err := c.store.backend.get(ctx, c.name, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
		}
		return Document{}, err
	}
	doc, err := decodeDocument(payload)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", c.name, id, err)
	}
	return doc, nil
}

func (c *collection) write(ctx context.Context, doc Document) error {
	payload, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return c.store.backend.put(ctx, c.name, doc.ID, payload)
}

func (c *collection) conflict(current Document, expected int64) error {
	return &VersionConflictError{
		Collection:      c.name,
		ID:              current.ID,
		ExpectedVersion: expected,
		CurrentVersion:  current.Version,
		Current:         current.Record(),
	}
}

func stripReserved(data optimistic.Record) optimistic.Record {
	out := optimistic.Record{}
	for k, v := range data {
		reserved := false
		for _, r := range reservedKeys {
			if k == r {
				reserved = true
				break
			}
		}
		if !reserved {
			out[k] = v
		}
	}
	return out.Clone()
}
