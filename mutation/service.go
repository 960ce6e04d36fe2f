// Package mutation validates and applies changes to the item forest.
//
// Every successful mutation publishes exactly one change event before returning;
// failed mutations publish nothing. A service-wide write lock serializes
// validate, apply and publish, so moves handled by one Service cannot race past
// cycle validation and subscribers see events in commit order. The lock does not
// extend to other processes writing the same store.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/store"
)

var (
	// ErrValidation is returned for empty names and empty patches.
	ErrValidation = errors.New("canopy: validation failed")

	// ErrCycle is returned when a move would make an item its own ancestor.
	ErrCycle = errors.New("canopy: move would create a cycle")

	// ErrStorage wraps Relation Store failures other than not-found.
	ErrStorage = errors.New("canopy: storage failure")
)

// Publisher receives the event of each successful mutation.
type Publisher interface {
	Publish(e event.Event) (int, error)
}

// Service applies mutations to a store and publishes their events.
type Service struct {
	store   store.Store
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// New creates a Service. pub and m may be nil.
func New(s store.Store, pub Publisher, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		pub:     pub,
		logger:  logger,
		metrics: m,
	}
}

// List returns the current flat relation.
func (s *Service) List(ctx context.Context) ([]store.Item, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, storageError("list items", err)
	}
	return items, nil
}

// Add creates an item. parent, when non-nil, must name an existing item.
func (s *Service) Add(ctx context.Context, name string, parent *int64) (store.Item, error) {
	var created store.Item
	err := s.run(ctx, "add", func() (event.Event, error) {
		name, err := cleanName(name)
		if err != nil {
			return event.Event{}, err
		}
		if parent != nil {
			if err := s.requireParent(ctx, *parent); err != nil {
				return event.Event{}, err
			}
		}
		created, err = s.store.Insert(ctx, name, parent)
		if err != nil {
			return event.Event{}, storageError("insert item", err)
		}
		return event.Added(created), nil
	})
	return created, err
}

// Rename changes an item's name.
func (s *Service) Rename(ctx context.Context, id int64, name string) (store.Item, error) {
	return s.update(ctx, "rename", id, store.Patch{Name: &name})
}

// Move reparents an item. A nil parent moves it to the root level.
func (s *Service) Move(ctx context.Context, id int64, parent *int64) (store.Item, error) {
	return s.update(ctx, "move", id, store.Patch{Parent: store.SetParent(parent)})
}

// Update applies a combined rename and move. An empty patch is a validation error.
func (s *Service) Update(ctx context.Context, id int64, patch store.Patch) (store.Item, error) {
	return s.update(ctx, "update", id, patch)
}

func (s *Service) update(ctx context.Context, op string, id int64, patch store.Patch) (store.Item, error) {
	var updated store.Item
	err := s.run(ctx, op, func() (event.Event, error) {
		if patch.Empty() {
			return event.Event{}, fmt.Errorf("%w: nothing to update", ErrValidation)
		}
		if patch.Name != nil {
			name, err := cleanName(*patch.Name)
			if err != nil {
				return event.Event{}, err
			}
			patch.Name = &name
		}

		if _, err := s.store.Get(ctx, id); err != nil {
			return event.Event{}, storageError(fmt.Sprintf("get item %d", id), err)
		}
		if patch.Parent.Set && patch.Parent.ID != nil {
			if err := s.checkMove(ctx, id, *patch.Parent.ID); err != nil {
				return event.Event{}, err
			}
		}

		var err error
		updated, err = s.store.Update(ctx, id, patch)
		if err != nil {
			return event.Event{}, storageError(fmt.Sprintf("update item %d", id), err)
		}
		return event.Updated(updated), nil
	})
	return updated, err
}

// Remove deletes an item. Its children keep their parent reference and are
// promoted to roots when the forest is rebuilt.
func (s *Service) Remove(ctx context.Context, id int64) (int64, error) {
	err := s.run(ctx, "remove", func() (event.Event, error) {
		if _, err := s.store.Delete(ctx, id); err != nil {
			return event.Event{}, storageError(fmt.Sprintf("delete item %d", id), err)
		}
		return event.Removed(id), nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// run executes fn under the write lock and publishes its event on success.
func (s *Service) run(ctx context.Context, op string, fn func() (event.Event, error)) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := fn()
	s.metrics.ObserveMutation(op, resultLabel(err), time.Since(start))
	if err != nil {
		s.logger.DebugContext(ctx, "mutation rejected", "op", op, "error", err)
		return err
	}

	id, _ := e.ItemID()
	s.logger.InfoContext(ctx, "mutation applied", "op", op, "id", id)

	if s.pub != nil {
		n, perr := s.pub.Publish(e)
		if perr != nil {
			s.logger.WarnContext(ctx, "failed to publish event",
				"op", op,
				"id", id,
				"error", perr,
			)
		} else {
			s.logger.DebugContext(ctx, "event published", "type", e.Type, "subscribers", n)
		}
	}
	return nil
}

// requireParent checks that parent exists.
func (s *Service) requireParent(ctx context.Context, parent int64) error {
	if _, err := s.store.Get(ctx, parent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent %d: %w", parent, store.ErrParentNotFound)
		}
		return storageError(fmt.Sprintf("get parent %d", parent), err)
	}
	return nil
}

// checkMove rejects parent == id and any parent that descends from id.
// It follows parent links upward from parent; a dangling link ends the chain like a
// root, and a visited set stops walks over already-corrupt data.
func (s *Service) checkMove(ctx context.Context, id, parent int64) error {
	if parent == id {
		return fmt.Errorf("%w: item %d cannot be its own parent", ErrCycle, id)
	}

	cur, err := s.store.Get(ctx, parent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent %d: %w", parent, store.ErrParentNotFound)
		}
		return storageError(fmt.Sprintf("get parent %d", parent), err)
	}

	visited := map[int64]bool{cur.ID: true}
	for cur.Parent != nil {
		next := *cur.Parent
		if next == id {
			return fmt.Errorf("%w: %d is a descendant of %d", ErrCycle, parent, id)
		}
		if visited[next] {
			return nil
		}
		visited[next] = true

		cur, err = s.store.Get(ctx, next)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storageError(fmt.Sprintf("get ancestor %d", next), err)
		}
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name must not be empty", ErrValidation)
	}
	return name, nil
}

// storageError passes not-found and context errors through and wraps the rest
// with ErrStorage.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrCycle):
		return "cycle"
	case errors.Is(err, store.ErrParentNotFound):
		return "parent_not_found"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
