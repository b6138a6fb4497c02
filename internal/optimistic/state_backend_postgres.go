package optimistic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultSnapshotTable    = "relaymutate_snapshots"
	defaultRegistryName     = "default"
	postgresSnapshotTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one row per registry. Several processes can
// share a table as long as each uses its own registry name.
type PostgresStateBackend struct {
	connString string
	table      string
	registry   string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStateBackend reads the registry name and table from the
// "registry" and "table" query parameters and passes the rest of the DSN to
// the driver. The connection is opened on first use.
func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	query := parsed.Query()
	b := &PostgresStateBackend{
		table:    defaultSnapshotTable,
		registry: defaultRegistryName,
		openDB:   sql.Open,
	}
	if name := strings.TrimSpace(query.Get("registry")); name != "" {
		b.registry = name
	}
	if table := strings.TrimSpace(query.Get("table")); table != "" {
		b.table = table
	}
	query.Del("registry")
	query.Del("table")
	parsed.RawQuery = query.Encode()
	b.connString = parsed.String()
	return b, nil
}

// Registry names the row this backend reads and writes.
func (b *PostgresStateBackend) Registry() string {
	return b.registry
}

func (b *PostgresStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresSnapshotTimeout)
	defer cancel()

	var (
		entries []byte
		savedAt time.Time
	)
	query := fmt.Sprintf("SELECT entries, saved_at FROM %s WHERE registry_name = $1", quoteIdent(b.table))
	err := b.db.QueryRowContext(ctx, query, b.registry).Scan(&entries, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", b.registry, err)
	}
	snapshot := &Snapshot{SavedAt: savedAt.UTC()}
	if err := json.Unmarshal(entries, &snapshot.Entries); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", b.registry, err)
	}
	return snapshot, nil
}

// Save replaces the stored row unless it already holds a later snapshot.
func (b *PostgresStateBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	entries := snapshot.Entries
	if entries == nil {
		entries = []UpdateEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	savedAt := snapshot.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresSnapshotTimeout)
	defer cancel()

	table := quoteIdent(b.table)
	query := fmt.Sprintf(`
		INSERT INTO %s AS current (registry_name, entry_count, entries, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (registry_name) DO UPDATE
		SET entry_count = EXCLUDED.entry_count, entries = EXCLUDED.entries, saved_at = EXCLUDED.saved_at
		WHERE current.saved_at <= EXCLUDED.saved_at`, table)
	if _, err := b.db.ExecContext(ctx, query, b.registry, len(entries), string(payload), savedAt.UTC()); err != nil {
		return fmt.Errorf("save registry %s: %w", b.registry, err)
	}
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.connString)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresSnapshotTimeout)
		defer cancel()

		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				registry_name TEXT PRIMARY KEY,
				entry_count INTEGER NOT NULL,
				entries JSONB NOT NULL,
				saved_at TIMESTAMPTZ NOT NULL
			)`, quoteIdent(b.table))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("prepare %s: %w", b.table, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
