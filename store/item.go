package store

import (
	"bytes"
	"context"
	"encoding/json"
)

// Item is a single row of the flat relation.
type Item struct {
	// ID is assigned by the store and stable for the item's lifetime.
	ID int64 `json:"id"`

	// Name is the non-empty display name.
	Name string `json:"name"`

	// Parent is the parent's id, or nil for a root.
	Parent *int64 `json:"parent"`
}

// IsRoot reports whether the item has no parent reference.
func (i Item) IsRoot() bool { return i.Parent == nil }

// Clone returns a copy that shares no memory with i.
func (i Item) Clone() Item {
	if i.Parent != nil {
		p := *i.Parent
		i.Parent = &p
	}
	return i
}

// Equal reports whether two items have the same id, name, and parent.
func (i Item) Equal(o Item) bool {
	if i.ID != o.ID || i.Name != o.Name {
		return false
	}
	if i.Parent == nil || o.Parent == nil {
		return i.Parent == nil && o.Parent == nil
	}
	return *i.Parent == *o.Parent
}

// ParentID returns a pointer to a copy of id, for building optional parent references.
func ParentID(id int64) *int64 { return &id }

// ParentUpdate describes an optional change to an item's parent.
//
// The zero value leaves the parent untouched. When Set is true the parent becomes ID,
// and a nil ID moves the item to the root level. In JSON an absent key decodes to the
// zero value, null decodes to {Set: true, ID: nil}, and a number to {Set: true, ID: &n}.
type ParentUpdate struct {
	Set bool
	ID  *int64
}

// SetParent returns a ParentUpdate moving an item under parent (nil for root).
func SetParent(parent *int64) ParentUpdate {
	return ParentUpdate{Set: true, ID: parent}
}

// UnmarshalJSON implements json.Unmarshaler. It is invoked only when the key is present.
func (p *ParentUpdate) UnmarshalJSON(data []byte) error {
	p.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		p.ID = nil
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	p.ID = &id
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p ParentUpdate) MarshalJSON() ([]byte, error) {
	if p.ID == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*p.ID)
}

// Patch is a partial update to an item. Nil Name and an unset Parent are left alone.
type Patch struct {
	Name   *string      `json:"name,omitempty"`
	Parent ParentUpdate `json:"parent,omitzero"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool { return p.Name == nil && !p.Parent.Set }

// Apply returns item with the patch applied.
func (p Patch) Apply(item Item) Item {
	item = item.Clone()
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Parent.Set {
		item.Parent = nil
		if p.Parent.ID != nil {
			item.Parent = ParentID(*p.Parent.ID)
		}
	}
	return item
}

// Store is the Relation Store contract. Each method is a single-row atomic operation.
type Store interface {
	// List returns every item ordered by id.
	List(ctx context.Context) ([]Item, error)

	// Get returns the item with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (Item, error)

	// Insert creates an item and returns it with its assigned id.
	Insert(ctx context.Context, name string, parent *int64) (Item, error)

	// Update applies patch to the item and returns the updated row, or ErrNotFound.
	Update(ctx context.Context, id int64, patch Patch) (Item, error)

	// Delete removes the item and returns the deleted row, or ErrNotFound.
	// Children are not touched.
	Delete(ctx context.Context, id int64) (Item, error)

	// Close releases resources held by the store.
	Close() error
}
