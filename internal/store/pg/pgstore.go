package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pimhelper.org/internal/migrate"
	"pimhelper.org/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations exposes the schema files for the migrate command.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store keeps key-value state in the pim_kv table, one namespace per
// installation so a shared database can hold several users.
type Store struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithNamespace partitions rows; defaults to "default".
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns = strings.TrimSpace(ns); ns != "" {
			s.namespace = ns
		}
	}
}

// WithClock overrides the updated_at source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pg: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// один клиент, несколько горутин: маленький пул
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, namespace: "default", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema applies pending migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := migrate.NewManager(s.db, Migrations()).Up(ctx); err != nil {
		return fmt.Errorf("pg: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.namespace)
	placeholders := make([]string, len(keys))
	for i, k := range keys {
		args = append(args, k)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}
	query := `select key, value from pim_kv where namespace = $1 and key in (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `
			insert into pim_kv(namespace, key, value, updated_at)
			values ($1, $2, $3, $4)
			on conflict (namespace, key) do update
			set value = excluded.value, updated_at = excluded.updated_at
		`, s.namespace, k, v, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Remove deletes all keys in one transaction so a sign-out never leaves a
// partial credential behind.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `delete from pim_kv where namespace = $1 and key = $2`, s.namespace, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}
