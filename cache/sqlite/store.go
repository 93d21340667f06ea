// Package sqlite provides a durable cache.Store backed by a local
// SQLite file. This is the default backend: it survives restarts, so a
// resubmitted spreadsheet replays instantly from cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cache"
)

var _ cache.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS consultas (
	cnpj             TEXT PRIMARY KEY,
	razao_social     TEXT NOT NULL DEFAULT '',
	simples_nacional TEXT NOT NULL DEFAULT '',
	simei            TEXT NOT NULL DEFAULT '',
	data_consulta    TEXT NOT NULL DEFAULT '',
	not_found        INTEGER NOT NULL DEFAULT 0,
	fetched_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consultas_fetched_at ON consultas (fetched_at);
`

// Store persists cache entries in a single SQLite table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (or creates) the database at path and applies the schema.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("optantes/sqlite: open %s: %w", path, err)
	}
	// SQLite writes serialize on one connection anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("optantes/sqlite: apply schema: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, cnpj string) (*cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cnpj, razao_social, simples_nacional, simei, data_consulta, not_found, fetched_at
		FROM consultas WHERE cnpj = ?`, cnpj)

	var entry cache.Entry
	var consultedAt, fetchedAt string
	var notFound int
	err := row.Scan(&entry.CNPJ, &entry.LegalName, &entry.Simples, &entry.Simei,
		&consultedAt, &notFound, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, optantes.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("optantes/sqlite: get %s: %w", cnpj, err)
	}

	entry.NotFound = notFound != 0
	if consultedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, consultedAt); err == nil {
			entry.ConsultedAt = t
		}
	}
	entry.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("optantes/sqlite: parse fetched_at for %s: %w", cnpj, err)
	}
	return &entry, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	var consultedAt string
	if !entry.ConsultedAt.IsZero() {
		consultedAt = entry.ConsultedAt.UTC().Format(time.RFC3339Nano)
	}
	notFound := 0
	if entry.NotFound {
		notFound = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consultas (cnpj, razao_social, simples_nacional, simei, data_consulta, not_found, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cnpj) DO UPDATE SET
			razao_social     = excluded.razao_social,
			simples_nacional = excluded.simples_nacional,
			simei            = excluded.simei,
			data_consulta    = excluded.data_consulta,
			not_found        = excluded.not_found,
			fetched_at       = excluded.fetched_at`,
		entry.CNPJ, entry.LegalName, entry.Simples, entry.Simei,
		consultedAt, notFound, entry.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("optantes/sqlite: put %s: %w", entry.CNPJ, err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consultas WHERE fetched_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("optantes/sqlite: purge: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("optantes/sqlite: purge rows affected: %w", err)
	}
	if dropped > 0 {
		s.logger.Debug("purged stale cache entries", slog.Int64("count", dropped))
	}
	return dropped, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
