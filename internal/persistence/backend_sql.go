package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultDocumentTable = "relaymutate_documents"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlDialect struct {
	driver string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var (
	sqliteDialect   = sqlDialect{driver: "sqlite", placeholder: func(int) string { return "?" }}
	postgresDialect = sqlDialect{driver: "postgres", placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
	pgxDialect      = sqlDialect{driver: "pgx", placeholder: postgresDialect.placeholder}
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlBackend stores every collection in one table keyed by (collection, id).
// The connection is opened on first use.
type sqlBackend struct {
	dialect sqlDialect
	dsn     string
	table   string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLiteStore opens a SQLite database file through the pure Go driver.
func NewSQLiteStore(path string, opts StoreOptions) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	return newStore(newSQLBackend(sqliteDialect, path, defaultDocumentTable), opts), nil
}

// NewPostgresStore uses lib/pq. The optional "table" DSN parameter names the
// document table.
func NewPostgresStore(dsn string, opts StoreOptions) (Store, error) {
	return newPostgresStore(postgresDialect, dsn, opts)
}

// NewPgxStore uses the pgx database/sql driver.
func NewPgxStore(dsn string, opts StoreOptions) (Store, error) {
	return newPostgresStore(pgxDialect, dsn, opts)
}

func newPostgresStore(dialect sqlDialect, dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	dsn, table := splitTableParam(dsn)
	return newStore(newSQLBackend(dialect, dsn, table), opts), nil
}

func newSQLBackend(dialect sqlDialect, dsn, table string) *sqlBackend {
	if table == "" {
		table = defaultDocumentTable
	}
	return &sqlBackend{dialect: dialect, dsn: dsn, table: table, openDB: sql.Open}
}

func (b *sqlBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open %s: %w", b.dialect.driver, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (collection, id)
			)`, quoteIdentifier(b.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create document table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *sqlBackend) get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE collection = %s AND id = %s`,
		quoteIdentifier(b.table), b.dialect.placeholder(1), b.dialect.placeholder(2))
	var payload string
	if err := b.db.QueryRowContext(ctx, query, collection, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(payload), nil
}

func (b *sqlBackend) put(ctx context.Context, collection, id string, payload []byte) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, payload)
		VALUES (%s, %s, %s)
		ON CONFLICT (collection, id)
		DO UPDATE SET payload = excluded.payload`,
		quoteIdentifier(b.table), b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3))
	_, err := b.db.ExecContext(ctx, query, collection, id, string(payload))
	return err
}

func (b *sqlBackend) remove(ctx context.Context, collection, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE collection = %s AND id = %s`,
		quoteIdentifier(b.table), b.dialect.placeholder(1), b.dialect.placeholder(2))
	_, err := b.db.ExecContext(ctx, query, collection, id)
	return err
}

func (b *sqlBackend) scan(ctx context.Context, collection string) (payloads [][]byte, err error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE collection = %s ORDER BY id`,
		quoteIdentifier(b.table), b.dialect.placeholder(1))
	rows, err := b.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		payloads = append(payloads, []byte(payload))
	}
	return payloads, rows.Err()
}

func (b *sqlBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
