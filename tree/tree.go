// Package tree reconstructs the item forest from the flat relation.
//
// Build is total: it never fails and never loops. Items whose parent is absent or
// unknown become roots (orphan promotion), and items caught in a parent cycle are
// detached from their parent one at a time until every item is reachable from a root.
package tree

import (
	"fmt"
	"io"
	"strings"

	"github.com/jacentio/canopy/store"
)

// Node is one item in the reconstructed forest.
type Node struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Children []*Node `json:"children"`

	parent *Node
}

// Parent returns the node's parent in the forest, or nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Build derives the forest from items.
// Roots and children keep the order of items. Duplicate ids keep the first occurrence.
func Build(items []store.Item) []*Node {
	nodes := make(map[int64]*Node, len(items))
	order := make([]store.Item, 0, len(items))

	// Pass 1: one node per id.
	for _, item := range items {
		if _, dup := nodes[item.ID]; dup {
			continue
		}
		nodes[item.ID] = &Node{ID: item.ID, Name: item.Name, Children: []*Node{}}
		order = append(order, item)
	}

	// Pass 2: link each node under its parent, or promote it to root.
	var roots []*Node
	for _, item := range order {
		node := nodes[item.ID]
		if item.Parent != nil && *item.Parent != item.ID {
			if parent, ok := nodes[*item.Parent]; ok {
				node.parent = parent
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	if len(roots) == len(order) {
		return roots
	}

	// Anything not reachable from a root sits on a cycle or below one.
	reached := make(map[int64]bool, len(order))
	mark := func(from *Node) {
		stack := []*Node{from}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if reached[n.ID] {
				continue
			}
			reached[n.ID] = true
			stack = append(stack, n.Children...)
		}
	}
	for _, root := range roots {
		mark(root)
	}
	for _, item := range order {
		if reached[item.ID] {
			continue
		}
		node := nodes[item.ID]
		detach(node)
		roots = append(roots, node)
		mark(node)
	}
	return roots
}

// detach removes n from its parent's children.
func detach(n *Node) {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.Children {
		if c == n {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// Walk visits the forest in pre-order. Each node is visited at most once, so
// hand-built forests with shared or cyclic children terminate.
// Returning false from fn skips the node's children.
func Walk(roots []*Node, fn func(n *Node, depth int) bool) {
	type frame struct {
		node  *Node
		depth int
	}
	visited := make(map[*Node]bool)
	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{roots[i], 0})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node == nil || visited[f.node] {
			continue
		}
		visited[f.node] = true
		if !fn(f.node, f.depth) {
			continue
		}
		for i := len(f.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.node.Children[i], f.depth + 1})
		}
	}
}

// Flatten returns the forest as a flat relation in pre-order.
// Parents are taken from the forest shape, not from the items Build was given.
func Flatten(roots []*Node) []store.Item {
	var items []store.Item
	parents := make(map[*Node]*int64)
	Walk(roots, func(n *Node, _ int) bool {
		items = append(items, store.Item{ID: n.ID, Name: n.Name, Parent: parents[n]})
		for _, c := range n.Children {
			if _, seen := parents[c]; !seen {
				parents[c] = store.ParentID(n.ID)
			}
		}
		return true
	})
	return items
}

// Fprint writes the forest as an indented outline.
func Fprint(w io.Writer, roots []*Node) error {
	var err error
	Walk(roots, func(n *Node, depth int) bool {
		if err != nil {
			return false
		}
		_, err = fmt.Fprintf(w, "%s%s (%d)\n", strings.Repeat("  ", depth), n.Name, n.ID)
		return true
	})
	return err
}
