package tree_test

import (
	"bytes"
	"slices"
	"strconv"
	"testing"

	"github.com/jacentio/canopy/store"
	"github.com/jacentio/canopy/tree"
)

func item(id int64, name string, parent *int64) store.Item {
	return store.Item{ID: id, Name: name, Parent: parent}
}

func ids(nodes []*tree.Node) []int64 {
	out := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

// shape renders a forest as "id(children...)" for compact comparison.
func shape(nodes []*tree.Node) string {
	var buf bytes.Buffer
	for i, n := range nodes {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.FormatInt(n.ID, 10))
		if len(n.Children) > 0 {
			buf.WriteByte('(')
			buf.WriteString(shape(n.Children))
			buf.WriteByte(')')
		}
	}
	return buf.String()
}

func TestBuild(t *testing.T) {
	p := store.ParentID
	tests := []struct {
		name     string
		items    []store.Item
		expected string
	}{
		{"empty", nil, ""},
		{"single root", []store.Item{item(1, "a", nil)}, "1"},
		{"multiple roots keep order", []store.Item{item(3, "c", nil), item(1, "a", nil), item(2, "b", nil)}, "3 1 2"},
		{"nested", []store.Item{item(1, "a", nil), item(2, "b", p(1)), item(3, "c", p(2))}, "1(2(3))"},
		{"child before parent", []store.Item{item(2, "b", p(1)), item(1, "a", nil)}, "1(2)"},
		{"children keep input order", []store.Item{item(1, "a", nil), item(5, "e", p(1)), item(2, "b", p(1)), item(4, "d", p(1))}, "1(5 2 4)"},
		{"dangling parent promoted", []store.Item{item(2, "b", p(1))}, "2"},
		{"self parent promoted", []store.Item{item(1, "a", p(1))}, "1"},
		{"duplicate keeps first", []store.Item{item(1, "a", nil), item(2, "b", p(1)), item(2, "b2", nil)}, "1(2)"},
		{"two node cycle", []store.Item{item(1, "a", p(2)), item(2, "b", p(1))}, "1(2)"},
		{"cycle beside tree", []store.Item{item(1, "a", nil), item(2, "b", p(3)), item(3, "c", p(2)), item(4, "d", p(3))}, "1 2(3(4))"},
		{"three node cycle", []store.Item{item(1, "a", p(3)), item(2, "b", p(1)), item(3, "c", p(2))}, "1(2(3))"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shape(tree.Build(tt.items))
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBuildDuplicateKeepsFirstName(t *testing.T) {
	roots := tree.Build([]store.Item{item(1, "first", nil), item(1, "second", nil)})
	if len(roots) != 1 || roots[0].Name != "first" {
		t.Fatalf("expected single root named first, got %+v", roots)
	}
}

func TestBuildEveryItemOnce(t *testing.T) {
	p := store.ParentID
	items := []store.Item{
		item(1, "a", p(4)), item(2, "b", p(1)), item(3, "c", nil),
		item(4, "d", p(2)), item(5, "e", p(9)), item(6, "f", p(5)),
	}
	var seen []int64
	tree.Walk(tree.Build(items), func(n *tree.Node, _ int) bool {
		seen = append(seen, n.ID)
		return true
	})
	slices.Sort(seen)
	if !slices.Equal(seen, []int64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("expected every item exactly once, got %v", seen)
	}
}

func TestRoundTrip(t *testing.T) {
	p := store.ParentID
	items := []store.Item{
		item(1, "a", nil),
		item(2, "b", p(1)),
		item(3, "c", p(1)),
		item(4, "d", p(2)),
		item(5, "e", nil),
		item(6, "f", p(5)),
		item(7, "g", p(4)),
	}

	first := tree.Build(items)
	flat := tree.Flatten(first)
	second := tree.Build(flat)

	if shape(first) != shape(second) {
		t.Fatalf("round trip changed shape: %q vs %q", shape(first), shape(second))
	}
	if len(flat) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(flat))
	}
	byID := map[int64]store.Item{}
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, got := range flat {
		if !got.Equal(byID[got.ID]) {
			t.Errorf("item %d: expected %+v, got %+v", got.ID, byID[got.ID], got)
		}
	}
}

func TestOrphanPromotion(t *testing.T) {
	// add("A", nil) -> 1, add("B", 1) -> 2, remove(1)
	items := []store.Item{item(2, "B", store.ParentID(1))}

	roots := tree.Build(items)
	if got := ids(roots); !slices.Equal(got, []int64{2}) {
		t.Fatalf("expected B promoted to root, got %v", got)
	}
	if roots[0].Parent() != nil {
		t.Error("promoted root must have no parent node")
	}
}

func TestEndToEndScenario(t *testing.T) {
	// add A -> 1, add B under 1 -> 2, add C under 2 -> 3, move 3 to root
	items := []store.Item{
		item(1, "A", nil),
		item(2, "B", store.ParentID(1)),
		item(3, "C", nil),
	}

	roots := tree.Build(items)
	if got := ids(roots); !slices.Equal(got, []int64{1, 3}) {
		t.Fatalf("expected roots [1 3], got %v", got)
	}
	if got := ids(roots[0].Children); !slices.Equal(got, []int64{2}) {
		t.Errorf("expected children of 1 to be [2], got %v", got)
	}
	if roots[0].Children[0].Parent() != roots[0] {
		t.Error("expected child to link back to its parent")
	}
}

func TestWalkGuardsCycles(t *testing.T) {
	a := &tree.Node{ID: 1, Name: "a"}
	b := &tree.Node{ID: 2, Name: "b"}
	a.Children = []*tree.Node{b}
	b.Children = []*tree.Node{a}

	var visited []int64
	tree.Walk([]*tree.Node{a}, func(n *tree.Node, _ int) bool {
		visited = append(visited, n.ID)
		return true
	})
	if !slices.Equal(visited, []int64{1, 2}) {
		t.Errorf("expected [1 2], got %v", visited)
	}
}

func TestWalkDepthAndSkip(t *testing.T) {
	p := store.ParentID
	roots := tree.Build([]store.Item{
		item(1, "a", nil), item(2, "b", p(1)), item(3, "c", p(2)), item(4, "d", nil),
	})

	depths := map[int64]int{}
	tree.Walk(roots, func(n *tree.Node, depth int) bool {
		depths[n.ID] = depth
		return n.ID != 2
	})
	if _, ok := depths[3]; ok {
		t.Error("expected children of 2 to be skipped")
	}
	if depths[1] != 0 || depths[2] != 1 || depths[4] != 0 {
		t.Errorf("unexpected depths %v", depths)
	}
}

func TestFprint(t *testing.T) {
	roots := tree.Build([]store.Item{
		item(1, "A", nil), item(2, "B", store.ParentID(1)), item(3, "C", nil),
	})
	var buf bytes.Buffer
	if err := tree.Fprint(&buf, roots); err != nil {
		t.Fatalf("Fprint: %v", err)
	}
	expected := "A (1)\n  B (2)\nC (3)\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}
