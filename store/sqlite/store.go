// Package sqlite provides a SQLite-backed Relation Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/jacentio/canopy/store"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

const schema = `CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	parent INTEGER
)`

// Store persists items in a single SQLite table.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "canopy.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// List returns every item ordered by id.
func (s *Store) List(ctx context.Context) ([]store.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, parent FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []store.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
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
	row := s.db.QueryRowContext(ctx, `SELECT id, name, parent FROM items WHERE id = ?`, id)
	return scanRow(row)
}

// Insert creates a row and returns it.
func (s *Store) Insert(ctx context.Context, name string, parent *int64) (store.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO items (name, parent) VALUES (?, ?) RETURNING id, name, parent`,
		name, nullable(parent),
	)
	return scanRow(row)
}

// Update applies patch and returns the updated row.
func (s *Store) Update(ctx context.Context, id int64, patch store.Patch) (store.Item, error) {
	var row *sql.Row
	switch {
	case patch.Name != nil && patch.Parent.Set:
		row = s.db.QueryRowContext(ctx,
			`UPDATE items SET name = ?, parent = ? WHERE id = ? RETURNING id, name, parent`,
			*patch.Name, nullable(patch.Parent.ID), id)
	case patch.Name != nil:
		row = s.db.QueryRowContext(ctx,
			`UPDATE items SET name = ? WHERE id = ? RETURNING id, name, parent`,
			*patch.Name, id)
	case patch.Parent.Set:
		row = s.db.QueryRowContext(ctx,
			`UPDATE items SET parent = ? WHERE id = ? RETURNING id, name, parent`,
			nullable(patch.Parent.ID), id)
	default:
		return s.Get(ctx, id)
	}
	return scanRow(row)
}

// Delete removes the row and returns it.
func (s *Store) Delete(ctx context.Context, id int64) (store.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM items WHERE id = ? RETURNING id, name, parent`, id)
	return scanRow(row)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (store.Item, error) {
	var (
		item   store.Item
		parent sql.NullInt64
	)
	if err := sc.Scan(&item.ID, &item.Name, &parent); err != nil {
		return store.Item{}, err
	}
	if parent.Valid {
		item.Parent = store.ParentID(parent.Int64)
	}
	return item, nil
}

func scanRow(row *sql.Row) (store.Item, error) {
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Item{}, store.ErrNotFound
	}
	if err != nil {
		return store.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}

func nullable(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
