// Package store defines the Relation Store contract behind canopy's item forest.
//
// A Relation Store holds flat rows of the form {id, name, parent}. Every operation
// is a single-row atomic statement that returns the affected row:
//
//	type Store interface {
//	    List(ctx context.Context) ([]Item, error)
//	    Get(ctx context.Context, id int64) (Item, error)
//	    Insert(ctx context.Context, name string, parent *int64) (Item, error)
//	    Update(ctx context.Context, id int64, patch Patch) (Item, error)
//	    Delete(ctx context.Context, id int64) (Item, error)
//	    Close() error
//	}
//
// Stores assign ids in increasing order and List returns rows in id order, which is
// also insertion order. Stores do not enforce parent existence and never cascade a
// delete: a removed item's children keep their parent reference and are promoted to
// roots when the forest is reconstructed. Validation lives in the mutation package.
//
// # Backends
//
//   - [Memory] - in-process, used by default and in tests
//   - store/sqlite - SQLite via modernc.org/sqlite
//   - store/postgres - Postgres via pgx
//   - store/dynamo - DynamoDB with an atomic id counter
//
// # Errors
//
//   - [ErrNotFound] - no row with the given id
//   - [ErrParentNotFound] - the referenced parent does not exist (wraps ErrNotFound)
package store
