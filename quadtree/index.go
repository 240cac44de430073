package quadtree

import (
	"iter"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
)

type entry[M comparable] struct {
	member M
	bbox   geometry.Rect
}

// Entry describes a member stored in an index.
type Entry[M comparable] struct {
	Member M

	// The bounding box the member was inserted with, clamped to the index
	// rectangle.
	BBox geometry.Rect

	// The rectangle of the node holding the member.
	Node geometry.Rect
}

// Index is a quadtree indexing members by bounding box.
//
// Members are opaque comparable values. The index is not safe for concurrent
// use: mutations and queries must happen on the same goroutine.
type Index[M comparable] struct {
	tree *Tree[[]entry[M]]
	size int
}

// NewIndex creates an index covering the given rectangle.
func NewIndex[M comparable](rect geometry.Rect) *Index[M] {
	return &Index[M]{
		tree: NewTree[[]entry[M]](rect),
	}
}

// Rect returns the rectangle covered by the index.
func (x *Index[M]) Rect() geometry.Rect {
	return x.tree.Rect(x.tree.Root())
}

// placement clamps bbox to the index rectangle. It returns false when bbox is
// invalid or entirely outside of the index.
func (x *Index[M]) placement(bbox geometry.Rect) (geometry.Rect, bool) {
	if !bbox.Valid() {
		assert(invalidGeometry(bbox))
		return geometry.Rect{}, false
	}

	root := x.Rect()
	if root.ContainsRect(bbox) {
		return bbox, true
	}

	clamped, ok := bbox.Intersection(root)
	if !ok {
		assert(invalidGeometry(bbox))
		return geometry.Rect{}, false
	}
	return clamped, true
}

// Insert adds a member with the given bounding box. Bounding boxes crossing the
// index boundary are clamped to it. Inserting a member twice with the same box
// is a programming error. A member may be inserted once per part of a box
// split by the caller.
func (x *Index[M]) Insert(m M, bbox geometry.Rect) {
	bbox, ok := x.placement(bbox)
	if !ok {
		return
	}
	x.insert(x.tree.Root(), entry[M]{member: m, bbox: bbox}, 0)
}

func (x *Index[M]) insert(id NodeID, e entry[M], depth int) {
	n := x.tree.at(id)
	if !n.split && (depth >= MaxDepth || len(n.payload) < MaxMembersPerNode) {
		x.append(id, e)
		return
	}

	if !n.split {
		n.split = true
		members := n.payload
		n.payload = nil
		x.size -= len(members)
		for _, m := range members {
			x.insert(id, m, depth)
		}
		n = x.tree.at(id)
	}

	if q, ok := n.rect.QuadrantForRect(e.bbox); ok {
		child := x.tree.ensureChild(id, q)
		x.insert(child, e, depth+1)
		return
	}
	x.append(id, e)
}

func (x *Index[M]) append(id NodeID, e entry[M]) {
	n := x.tree.at(id)
	for _, m := range n.payload {
		if m == e {
			assert(errors.New("member is already inserted").
				WithType(ErrTypeDuplicateMember).
				WithTag("node", n.rect.String()).
				WithTag("bbox", e.bbox.String()))
			return
		}
	}
	n.payload = append(n.payload, e)
	x.size++
}

// Remove removes a member inserted with the given bounding box. It returns
// false when the member is not found, which happens as well when bbox does not
// match the box the member was inserted with.
func (x *Index[M]) Remove(m M, bbox geometry.Rect) bool {
	bbox, ok := x.placement(bbox)
	if !ok {
		return false
	}
	return x.remove(x.tree.Root(), m, bbox)
}

func (x *Index[M]) remove(id NodeID, m M, bbox geometry.Rect) bool {
	n := x.tree.at(id)
	if i := lookup(n.payload, m, bbox); i >= 0 {
		n.payload = append(n.payload[:i], n.payload[i+1:]...)
		x.size--
		return true
	}

	for _, q := range geometry.Quadrants {
		c := n.children[q]
		if c == NoNode || !bbox.Intersects(n.rect.Child(q)) {
			continue
		}
		if x.remove(c, m, bbox) {
			return true
		}
	}
	return false
}

// NodeContaining returns the node holding a member inserted with the given
// bounding box.
func (x *Index[M]) NodeContaining(m M, bbox geometry.Rect) (NodeID, bool) {
	bbox, ok := x.placement(bbox)
	if !ok {
		return NoNode, false
	}
	return x.nodeContaining(x.tree.Root(), m, bbox)
}

func (x *Index[M]) nodeContaining(id NodeID, m M, bbox geometry.Rect) (NodeID, bool) {
	n := x.tree.at(id)
	if lookup(n.payload, m, bbox) >= 0 {
		return id, true
	}

	for _, q := range geometry.Quadrants {
		c := n.children[q]
		if c == NoNode || !bbox.Intersects(n.rect.Child(q)) {
			continue
		}
		if found, ok := x.nodeContaining(c, m, bbox); ok {
			return found, true
		}
	}
	return NoNode, false
}

// Update moves a member from one bounding box to another. When the node
// currently holding the member still contains the new box the member stays
// where it is, even if a deeper node would fit it better. When the member
// cannot be found with from it is inserted with to and false is returned. An
// invalid to box is reported and leaves the index untouched.
func (x *Index[M]) Update(m M, from, to geometry.Rect) bool {
	to, ok := x.placement(to)
	if !ok {
		return false
	}

	id, found := x.NodeContaining(m, from)
	if !found {
		x.insert(x.tree.Root(), entry[M]{member: m, bbox: to}, 0)
		return false
	}

	n := x.tree.at(id)
	from, _ = x.placement(from)
	i := lookup(n.payload, m, from)
	if n.rect.ContainsRect(to) {
		n.payload[i].bbox = to
		return true
	}

	n.payload = append(n.payload[:i], n.payload[i+1:]...)
	x.size--
	x.insert(x.tree.Root(), entry[M]{member: m, bbox: to}, 0)
	return true
}

// Find returns the members whose bounding box intersects area. The sequence
// can be iterated several times but must not be used while the index is
// modified.
func (x *Index[M]) Find(area geometry.Rect) iter.Seq[M] {
	return func(yield func(M) bool) {
		stack := make([]NodeID, 0, 32)
		stack = append(stack, x.tree.Root())

		for len(stack) != 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			n := x.tree.at(id)
			for _, e := range n.payload {
				if e.bbox.Intersects(area) && !yield(e.member) {
					return
				}
			}

			for _, c := range n.children {
				if c != NoNode && area.Intersects(x.tree.Rect(c)) {
					stack = append(stack, c)
				}
			}
		}
	}
}

// Entries returns every member of the index along with the rectangle of the
// node holding it.
func (x *Index[M]) Entries() iter.Seq[Entry[M]] {
	return func(yield func(Entry[M]) bool) {
		stop := false
		x.tree.Walk(x.tree.Root(), func(id NodeID) bool {
			if stop {
				return false
			}

			n := x.tree.at(id)
			for _, e := range n.payload {
				if !yield(Entry[M]{Member: e.member, BBox: e.bbox, Node: n.rect}) {
					stop = true
					return false
				}
			}
			return true
		})
	}
}

// DeleteWhere removes the members matching the given predicate and returns how
// many were removed.
func (x *Index[M]) DeleteWhere(match func(M) bool) int {
	var count int
	x.tree.Walk(x.tree.Root(), func(id NodeID) bool {
		n := x.tree.at(id)
		kept := n.payload[:0]
		for _, e := range n.payload {
			if match(e.member) {
				count++
				continue
			}
			kept = append(kept, e)
		}
		clear(n.payload[len(kept):])
		n.payload = kept
		return true
	})
	x.size -= count
	return count
}

// Count returns the number of members in the index.
func (x *Index[M]) Count() int {
	return x.size
}

// IsEmpty reports whether the index has no members and no child nodes.
func (x *Index[M]) IsEmpty() bool {
	root := x.tree.Root()
	return len(x.tree.at(root).payload) == 0 && !x.tree.HasChildren(root)
}

// Reset removes every member.
func (x *Index[M]) Reset() {
	x.tree.reset()
	x.size = 0
}

// Nodes returns the number of nodes in the index.
func (x *Index[M]) Nodes() int {
	return x.tree.Len()
}

// Members returns the members held directly by a node.
func (x *Index[M]) Members(id NodeID) []M {
	payload := x.tree.at(id).payload
	members := make([]M, len(payload))
	for i, e := range payload {
		members[i] = e.member
	}
	return members
}

// lookup returns the position of m in entries, preferring the entry inserted
// with bbox.
func lookup[M comparable](entries []entry[M], m M, bbox geometry.Rect) int {
	pos := -1
	for i, e := range entries {
		if e.member != m {
			continue
		}
		if e.bbox == bbox {
			return i
		}
		if pos < 0 {
			pos = i
		}
	}
	return pos
}
