package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no item exists with the requested id.
	ErrNotFound = errors.New("canopy: item not found")

	// ErrParentNotFound is returned when a referenced parent item does not exist.
	ErrParentNotFound = fmt.Errorf("%w: parent", ErrNotFound)
)
