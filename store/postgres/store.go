// Package postgres provides a Postgres-backed Relation Store using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacentio/canopy/store"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

// Default DSN keeps local development working without configuration.
const defaultDSN = "postgres://localhost/canopy?sslmode=disable"

// parent carries no foreign key: deleting a parent leaves its children dangling.
const schema = `CREATE TABLE IF NOT EXISTS items (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	parent BIGINT
)`

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists items in a Postgres table.
type Store struct {
	db    DB
	close func()
}

// Open connects to dsn (falls back to defaultDSN), verifies the connection, and
// applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller owns db's lifecycle.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies the items schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}
	return nil
}

// List returns every item ordered by id.
func (s *Store) List(ctx context.Context) ([]store.Item, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, parent FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	items := []store.Item{}
	for rows.Next() {
		var item store.Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Parent); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// Get returns the item with the given id.
func (s *Store) Get(ctx context.Context, id int64) (store.Item, error) {
	return scanRow(s.db.QueryRow(ctx, `SELECT id, name, parent FROM items WHERE id = $1`, id))
}

// Insert creates a row and returns it.
func (s *Store) Insert(ctx context.Context, name string, parent *int64) (store.Item, error) {
	return scanRow(s.db.QueryRow(ctx,
		`INSERT INTO items (name, parent) VALUES ($1, $2) RETURNING id, name, parent`,
		name, parent))
}

// Update applies patch and returns the updated row.
func (s *Store) Update(ctx context.Context, id int64, patch store.Patch) (store.Item, error) {
	switch {
	case patch.Name != nil && patch.Parent.Set:
		return scanRow(s.db.QueryRow(ctx,
			`UPDATE items SET name = $1, parent = $2 WHERE id = $3 RETURNING id, name, parent`,
			*patch.Name, patch.Parent.ID, id))
	case patch.Name != nil:
		return scanRow(s.db.QueryRow(ctx,
			`UPDATE items SET name = $1 WHERE id = $2 RETURNING id, name, parent`,
			*patch.Name, id))
	case patch.Parent.Set:
		return scanRow(s.db.QueryRow(ctx,
			`UPDATE items SET parent = $1 WHERE id = $2 RETURNING id, name, parent`,
			patch.Parent.ID, id))
	default:
		return s.Get(ctx, id)
	}
}

// Delete removes the row and returns it.
func (s *Store) Delete(ctx context.Context, id int64) (store.Item, error) {
	return scanRow(s.db.QueryRow(ctx,
		`DELETE FROM items WHERE id = $1 RETURNING id, name, parent`, id))
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func scanRow(row pgx.Row) (store.Item, error) {
	var item store.Item
	err := row.Scan(&item.ID, &item.Name, &item.Parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Item{}, store.ErrNotFound
	}
	if err != nil {
		return store.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}
