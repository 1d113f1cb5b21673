package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/layer-3/woosh/adapters/store/migrations"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
	"github.com/pressly/goose/v3"
)

// PostgresStore keeps the tree in a single nodes table keyed by
// (parent, name) and the expiry index in an expiries table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an already migrated database
func NewPostgresStore(db *sql.DB) ports.Store {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with the pgx driver and applies the embedded migrations
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("connect", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// gooseUp is replaced in tests
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// RunMigrations applies the embedded schema migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, path string) ([]byte, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM nodes WHERE parent = $1 AND name = $2`,
		parent, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, path string, value []byte) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (parent, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (parent, name) DO UPDATE SET value = EXCLUDED.value`,
		parent, name, value)
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}
	patch, err := mergeFields([]byte("{}"), fields)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET value = value || $3::jsonb WHERE parent = $1 AND name = $2`,
		parent, name, patch)
	if err != nil {
		return unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	id, err := newChildID()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (parent, name, value) VALUES ($1, $2, $3)`,
		cleanPath(path), id, value)
	if err != nil {
		return "", unavailable("push", err)
	}
	return id, nil
}

func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes WHERE parent = $1 AND name = $2`, parent, name); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *PostgresStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM nodes WHERE parent = $1`, cleanPath(path))
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			name  string
			value []byte
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, unavailable("list", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *PostgresStore) SetIfAbsent(ctx context.Context, path string, value []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (parent, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (parent, name) DO NOTHING`,
		parent, name, value)
	if err != nil {
		return false, unavailable("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim", err)
	}
	return n == 1, nil
}

// CompareAndSwap compares documents as jsonb, so old must be a value
// previously read from this store rather than a re-encoding of it.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET value = $3 WHERE parent = $1 AND name = $2 AND value = $4::jsonb`,
		parent, name, new, old)
	if err != nil {
		return false, unavailable("compare-and-swap", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("compare-and-swap", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ScheduleExpiry(ctx context.Context, path string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expiries (path, expires_at) VALUES ($1, $2)
		 ON CONFLICT (path) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		cleanPath(path), ceilTime(at, time.Microsecond).UTC())
	if err != nil {
		return unavailable("schedule expiry", err)
	}
	return nil
}

func (s *PostgresStore) DueExpiries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM expiries WHERE expires_at <= $1 ORDER BY expires_at, path LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, unavailable("read expiries", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, unavailable("read expiries", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read expiries", err)
	}
	return paths, nil
}

func (s *PostgresStore) RemoveExpiry(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM expiries WHERE path = $1`, cleanPath(path)); err != nil {
		return unavailable("remove expiry", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
