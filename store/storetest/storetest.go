// Package storetest provides the contract suite every store.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/canopy/store"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the Relation Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAssignsIncreasingIDs", testInsertAssignsIncreasingIDs},
		{"InsertKeepsParent", testInsertKeepsParent},
		{"GetMissing", testGetMissing},
		{"ListOrderedByID", testListOrderedByID},
		{"UpdateName", testUpdateName},
		{"UpdateParent", testUpdateParent},
		{"UpdateParentToRoot", testUpdateParentToRoot},
		{"UpdateMissing", testUpdateMissing},
		{"DeleteReturnsRow", testDeleteReturnsRow},
		{"DeleteMissing", testDeleteMissing},
		{"DeleteDoesNotCascade", testDeleteDoesNotCascade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustInsert(t *testing.T, s store.Store, name string, parent *int64) store.Item {
	t.Helper()
	item, err := s.Insert(context.Background(), name, parent)
	if err != nil {
		t.Fatalf("Insert(%q): %v", name, err)
	}
	return item
}

func testInsertAssignsIncreasingIDs(t *testing.T, s store.Store) {
	a := mustInsert(t, s, "a", nil)
	b := mustInsert(t, s, "b", nil)
	if a.ID <= 0 {
		t.Errorf("expected positive id, got %d", a.ID)
	}
	if b.ID <= a.ID {
		t.Errorf("expected increasing ids, got %d then %d", a.ID, b.ID)
	}
	if a.Name != "a" || a.Parent != nil {
		t.Errorf("unexpected inserted row %+v", a)
	}
}

func testInsertKeepsParent(t *testing.T, s store.Store) {
	root := mustInsert(t, s, "root", nil)
	child := mustInsert(t, s, "child", store.ParentID(root.ID))
	if child.Parent == nil || *child.Parent != root.ID {
		t.Fatalf("expected parent %d, got %v", root.ID, child.Parent)
	}

	got, err := s.Get(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(child) {
		t.Errorf("expected %+v, got %+v", child, got)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), 424242)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testListOrderedByID(t *testing.T, s store.Store) {
	var want []store.Item
	for _, name := range []string{"c", "a", "b"} {
		want = append(want, mustInsert(t, s, name, nil))
	}
	want = append(want, mustInsert(t, s, "d", store.ParentID(want[0].ID)))

	got, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("item %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func testUpdateName(t *testing.T, s store.Store) {
	root := mustInsert(t, s, "root", nil)
	child := mustInsert(t, s, "child", store.ParentID(root.ID))

	name := "renamed"
	got, err := s.Update(context.Background(), child.ID, store.Patch{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("expected name 'renamed', got %q", got.Name)
	}
	if got.Parent == nil || *got.Parent != root.ID {
		t.Errorf("expected parent to stay %d, got %v", root.ID, got.Parent)
	}
}

func testUpdateParent(t *testing.T, s store.Store) {
	a := mustInsert(t, s, "a", nil)
	b := mustInsert(t, s, "b", nil)

	got, err := s.Update(context.Background(), b.ID, store.Patch{Parent: store.SetParent(store.ParentID(a.ID))})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Parent == nil || *got.Parent != a.ID {
		t.Errorf("expected parent %d, got %v", a.ID, got.Parent)
	}
	if got.Name != "b" {
		t.Errorf("expected name to stay 'b', got %q", got.Name)
	}
}

func testUpdateParentToRoot(t *testing.T, s store.Store) {
	a := mustInsert(t, s, "a", nil)
	b := mustInsert(t, s, "b", store.ParentID(a.ID))

	got, err := s.Update(context.Background(), b.ID, store.Patch{Parent: store.SetParent(nil)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Parent != nil {
		t.Errorf("expected root, got parent %d", *got.Parent)
	}

	stored, err := s.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Parent != nil {
		t.Errorf("expected stored root, got parent %d", *stored.Parent)
	}
}

func testUpdateMissing(t *testing.T, s store.Store) {
	name := "x"
	_, err := s.Update(context.Background(), 424242, store.Patch{Name: &name})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDeleteReturnsRow(t *testing.T, s store.Store) {
	a := mustInsert(t, s, "a", nil)

	got, err := s.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("expected deleted row %+v, got %+v", a, got)
	}
	if _, err := s.Get(context.Background(), a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testDeleteMissing(t *testing.T, s store.Store) {
	_, err := s.Delete(context.Background(), 424242)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDeleteDoesNotCascade(t *testing.T, s store.Store) {
	parent := mustInsert(t, s, "parent", nil)
	child := mustInsert(t, s, "child", store.ParentID(parent.ID))

	if _, err := s.Delete(context.Background(), parent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.Get(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("expected orphaned child to survive, got %v", err)
	}
	if got.Parent == nil || *got.Parent != parent.ID {
		t.Errorf("expected dangling parent %d, got %v", parent.ID, got.Parent)
	}
}
