package persistence

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type StoreFactory func(dsn string, opts StoreOptions) (Store, error)

var storeFactories = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory adds or replaces the store used for a DSN scheme.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactories.mu.Lock()
	defer storeFactories.mu.Unlock()
	storeFactories.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactories.mu.RLock()
	defer storeFactories.mu.RUnlock()
	factory, ok := storeFactories.factories[scheme]
	return factory, ok
}

// OpenStore selects a backend by DSN scheme: memory://, file://dir,
// sqlite://path, postgres://..., pgx://..., badger://dir. A bare path is a
// file store directory.
func OpenStore(dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty persistence dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "", "file":
		path, err := optimistic.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path, opts)
	case "sqlite", "sqlite3":
		path, err := optimistic.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "pgx":
		return NewPgxStore("postgres"+strings.TrimPrefix(dsn, parsed.Scheme), opts)
	case "badger":
		path := ""
		if parsed.Host != "" || parsed.Path != "" {
			path, err = optimistic.DSNPath(parsed, dsn)
			if err != nil {
				return nil, err
			}
		}
		return NewBadgerStore(BadgerConfig{Path: path, SyncWrites: parsed.Query().Get("sync") == "true"}, opts)
	default:
		return nil, fmt.Errorf("unsupported persistence scheme: %s", scheme)
	}
}

// Open opens a store and returns one of its collections. Closing the
// returned closer closes the store.
func Open(dsn, collection string, opts StoreOptions) (Collection, func() error, error) {
	store, err := OpenStore(dsn, opts)
	if err != nil {
		return nil, nil, err
	}
	coll, err := store.Collection(collection)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return coll, store.Close, nil
}

// splitTableParam removes the "table" query parameter from a Postgres DSN and
// returns its value.
func splitTableParam(dsn string) (string, string) {
	idx := strings.Index(dsn, "?")
	if idx < 0 {
		return dsn, ""
	}
	values, err := url.ParseQuery(dsn[idx+1:])
	if err != nil || !values.Has("table") {
		return dsn, ""
	}
	table := values.Get("table")
	values.Del("table")
	if len(values) == 0 {
		return dsn[:idx], table
	}
	return dsn[:idx+1] + values.Encode(), table
}
