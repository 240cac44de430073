// Package quadtree implements the quadtrees used to index editable map objects
// and to track which regions of the map have been downloaded.
//
// Both trees share the same node arena: nodes live in a slice and refer to
// their parent and children by index. Released slots are recycled and carry a
// generation counter so that stale references can be detected.
package quadtree

import (
	"github.com/aukilabs/quadmap/geometry"
)

// NodeID is the index of a node in a tree arena.
type NodeID int32

// NoNode is the id of a missing node.
const NoNode NodeID = -1

const (
	// MaxMembersPerNode is the number of members a node holds before it
	// pushes them down to its children.
	MaxMembersPerNode = 16

	// MaxDepth bounds the tree depth, which is about 60cm wide cells.
	MaxDepth = 26
)

var noChildren = [4]NodeID{NoNode, NoNode, NoNode, NoNode}

type node[P any] struct {
	rect     geometry.Rect
	parent   NodeID
	children [4]NodeID
	split    bool
	released bool
	gen      uint32
	payload  P
}

// Tree is an arena of quadtree nodes carrying a payload of type P.
//
// Pointers returned by at are only valid until the next node allocation.
type Tree[P any] struct {
	nodes []node[P]
	free  []NodeID
	root  NodeID
}

// NewTree creates a tree whose root covers the given rectangle.
func NewTree[P any](rect geometry.Rect) *Tree[P] {
	t := &Tree[P]{}
	t.root = t.alloc(rect, NoNode)
	return t
}

func (t *Tree[P]) Root() NodeID {
	return t.root
}

func (t *Tree[P]) Rect(id NodeID) geometry.Rect {
	return t.nodes[id].rect
}

func (t *Tree[P]) Parent(id NodeID) NodeID {
	return t.nodes[id].parent
}

func (t *Tree[P]) Child(id NodeID, q geometry.Quadrant) NodeID {
	return t.nodes[id].children[q]
}

func (t *Tree[P]) IsSplit(id NodeID) bool {
	return t.nodes[id].split
}

func (t *Tree[P]) Generation(id NodeID) uint32 {
	return t.nodes[id].gen
}

func (t *Tree[P]) HasChildren(id NodeID) bool {
	for _, c := range t.nodes[id].children {
		if c != NoNode {
			return true
		}
	}
	return false
}

// Alive reports whether id still refers to the node allocated with the given
// generation.
func (t *Tree[P]) Alive(id NodeID, gen uint32) bool {
	if id < 0 || int(id) >= len(t.nodes) {
		return false
	}
	n := &t.nodes[id]
	return !n.released && n.gen == gen
}

// Len returns the number of live nodes.
func (t *Tree[P]) Len() int {
	return len(t.nodes) - len(t.free)
}

// Walk visits the nodes of the subtree rooted at id in depth first order. The
// children of a node are skipped when fn returns false.
func (t *Tree[P]) Walk(id NodeID, fn func(NodeID) bool) {
	stack := make([]NodeID, 0, 32)
	stack = append(stack, id)

	for len(stack) != 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(id) {
			continue
		}

		children := t.nodes[id].children
		for i := len(children) - 1; i >= 0; i-- {
			if c := children[i]; c != NoNode {
				stack = append(stack, c)
			}
		}
	}
}

func (t *Tree[P]) at(id NodeID) *node[P] {
	return &t.nodes[id]
}

func (t *Tree[P]) alloc(rect geometry.Rect, parent NodeID) NodeID {
	if l := len(t.free); l != 0 {
		id := t.free[l-1]
		t.free = t.free[:l-1]

		n := &t.nodes[id]
		gen := n.gen
		*n = node[P]{
			rect:     rect,
			parent:   parent,
			children: noChildren,
			gen:      gen,
		}
		return id
	}

	t.nodes = append(t.nodes, node[P]{
		rect:     rect,
		parent:   parent,
		children: noChildren,
	})
	return NodeID(len(t.nodes) - 1)
}

// ensureChild returns the child of id for the given quadrant, creating it when
// it does not exist yet.
func (t *Tree[P]) ensureChild(id NodeID, q geometry.Quadrant) NodeID {
	if c := t.nodes[id].children[q]; c != NoNode {
		return c
	}

	c := t.alloc(t.nodes[id].rect.Child(q), id)
	t.nodes[id].children[q] = c
	return c
}

// release frees the subtree rooted at id without touching its parent.
func (t *Tree[P]) release(id NodeID) {
	var stack []NodeID
	stack = append(stack, id)
	for len(stack) != 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.nodes[id]
		for _, c := range n.children {
			if c != NoNode {
				stack = append(stack, c)
			}
		}

		var zero P
		n.payload = zero
		n.children = noChildren
		n.parent = NoNode
		n.released = true
		n.gen++
		t.free = append(t.free, id)
	}
}

// deleteChildren releases every child of id.
func (t *Tree[P]) deleteChildren(id NodeID) {
	children := t.nodes[id].children
	for _, c := range children {
		if c != NoNode {
			t.release(c)
		}
	}
	t.nodes[id].children = noChildren
}

// delete unlinks id from its parent and releases its subtree. The root is never
// released, only emptied.
func (t *Tree[P]) delete(id NodeID) {
	if id == t.root {
		t.deleteChildren(id)
		var zero P
		t.nodes[id].payload = zero
		t.nodes[id].split = false
		return
	}

	parent := t.nodes[id].parent
	if parent != NoNode {
		p := &t.nodes[parent]
		for i, c := range p.children {
			if c == id {
				p.children[i] = NoNode
			}
		}
	}
	t.release(id)
}

// reset drops every node but the root and invalidates references to the root.
func (t *Tree[P]) reset() {
	t.delete(t.root)
	t.nodes[t.root].gen++
}
