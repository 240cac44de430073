package quadtree

import (
	"iter"
	"math"
	"slices"
	"time"

	"github.com/aukilabs/quadmap/geometry"
)

// MinRectSize is the width, in degrees, under which coverage nodes are never
// subdivided.
const MinRectSize = 360.0 / (1 << 16)

type coverage struct {
	whole      bool
	busy       bool
	downloaded time.Time
}

// Piece is a region claimed for download by MissingPieces. It must be given
// back to MakeWhole once the download completes, fails or is canceled.
type Piece struct {
	Node NodeID
	Gen  uint32
	Rect geometry.Rect
}

// Quad describes a coverage node.
type Quad struct {
	ID         NodeID
	Rect       geometry.Rect
	Whole      bool
	Busy       bool
	Downloaded time.Time
}

// Coverage is a quadtree that tracks which regions are downloaded (whole) and
// which are being downloaded (busy).
//
// Coverage is not safe for concurrent use.
type Coverage struct {
	// Returns the current time. Defaults to time.Now.
	Clock func() time.Time

	tree *Tree[coverage]
}

// NewCoverage creates a coverage tree for the given rectangle.
func NewCoverage(rect geometry.Rect) *Coverage {
	return &Coverage{
		tree: NewTree[coverage](rect),
	}
}

func (c *Coverage) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Rect returns the rectangle covered by the tree.
func (c *Coverage) Rect() geometry.Rect {
	return c.tree.Rect(c.tree.Root())
}

// MissingPieces returns the regions intersecting needed that are neither whole
// nor busy. Returned pieces are marked busy so that a subsequent call does not
// return them again before MakeWhole is called.
//
// A node is claimed as a whole when it has no children and is either at the
// minimum size, no more than half the width or height of needed, or entirely
// inside needed. Otherwise its quadrants overlapping needed are created and
// visited. The rectangle of a piece is the rectangle of its node, so pieces
// cover needed but may extend past it: a fresh tree returns [needed] only when
// needed is aligned on a node rectangle.
func (c *Coverage) MissingPieces(needed geometry.Rect) []Piece {
	if !needed.Valid() {
		assert(invalidGeometry(needed))
		return nil
	}

	var pieces []Piece
	c.missing(c.tree.Root(), needed, &pieces)
	return pieces
}

func (c *Coverage) missing(id NodeID, needed geometry.Rect, pieces *[]Piece) {
	n := c.tree.at(id)
	if n.payload.whole || n.payload.busy || !n.rect.Overlaps(needed) {
		return
	}

	if !c.tree.HasChildren(id) && claimable(n.rect, needed) {
		n.payload.busy = true
		*pieces = append(*pieces, Piece{Node: id, Gen: n.gen, Rect: n.rect})
		return
	}

	n.split = true
	rect := n.rect
	for _, q := range geometry.Quadrants {
		if !needed.Overlaps(rect.Child(q)) {
			continue
		}
		child := c.tree.ensureChild(id, q)
		c.missing(child, needed, pieces)
	}
}

func claimable(rect, needed geometry.Rect) bool {
	return rect.Width <= MinRectSize ||
		rect.Width <= needed.Width*0.5 ||
		rect.Height <= needed.Height*0.5 ||
		needed.ContainsRect(rect)
}

// IsBusy reports whether the piece is still being downloaded.
func (c *Coverage) IsBusy(p Piece) bool {
	return c.tree.Alive(p.Node, p.Gen) && c.tree.at(p.Node).payload.busy
}

// IsWhole reports whether the piece is downloaded.
func (c *Coverage) IsWhole(p Piece) bool {
	return c.tree.Alive(p.Node, p.Gen) && c.tree.at(p.Node).payload.whole
}

// MakeWhole ends the download of a piece. On success the piece becomes whole,
// its children are dropped and its parent becomes whole when all its children
// are. On failure the piece is only marked as not busy so that it is returned
// again by MissingPieces.
//
// It returns false when the piece no longer exists, which happens when it was
// discarded or reset during the download.
func (c *Coverage) MakeWhole(p Piece, success bool) bool {
	if !c.tree.Alive(p.Node, p.Gen) {
		return false
	}

	n := c.tree.at(p.Node)
	n.payload.busy = false

	if parent := n.parent; parent != NoNode && c.tree.at(parent).payload.whole {
		// The parent was completed before this piece.
		if c.countBusy(p.Node) == 0 {
			c.tree.delete(p.Node)
		}
		return true
	}

	if !success {
		return true
	}

	n.payload.whole = true
	n.payload.downloaded = c.now()
	c.tree.deleteChildren(p.Node)
	c.promote(n.parent)
	return true
}

// promote marks id and its ancestors whole for as long as all their children
// are whole. Children are kept to preserve granularity when discarding.
func (c *Coverage) promote(id NodeID) {
	for id != NoNode {
		n := c.tree.at(id)
		if n.payload.whole {
			return
		}

		for _, child := range n.children {
			if child == NoNode || !c.tree.at(child).payload.whole {
				return
			}
		}

		n.payload.whole = true
		id = n.parent
	}
}

// DiscardOlderThan forgets the regions downloaded before date. It returns
// whether anything was discarded.
func (c *Coverage) DiscardOlderThan(date time.Time) bool {
	return c.discardOlderThan(c.tree.Root(), date)
}

func (c *Coverage) discardOlderThan(id NodeID, date time.Time) bool {
	n := c.tree.at(id)
	if n.payload.busy {
		return false
	}

	if d := n.payload.downloaded; !d.IsZero() && d.Before(date) {
		c.evict(id)
		return true
	}

	var changed bool
	for _, child := range n.children {
		if child != NoNode && c.discardOlderThan(child, date) {
			changed = true
		}
	}

	if changed && c.removable(id) {
		c.tree.delete(id)
	}
	return changed
}

// DiscardOldest forgets the oldest downloaded regions. Downloaded nodes are
// visited from the oldest to the newest and discarded until the given fraction
// of them is reached or until a node downloaded after oldest is met.
//
// The fraction counts nodes, not area: a discarded node weighs the same
// whatever its size.
//
// It returns the download date of the newest discarded node, which is the
// oldest date a surviving node can have, and whether anything was discarded.
func (c *Coverage) DiscardOldest(fraction float64, oldest time.Time) (time.Time, bool) {
	if fraction <= 0 {
		return time.Time{}, false
	}

	type candidate struct {
		id         NodeID
		gen        uint32
		downloaded time.Time
	}

	var candidates []candidate
	c.tree.Walk(c.tree.Root(), func(id NodeID) bool {
		n := c.tree.at(id)
		if n.payload.busy {
			return false
		}
		if !n.payload.downloaded.IsZero() {
			candidates = append(candidates, candidate{
				id:         id,
				gen:        n.gen,
				downloaded: n.payload.downloaded,
			})
		}
		return true
	})
	if len(candidates) == 0 {
		return time.Time{}, false
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if cmp := a.downloaded.Compare(b.downloaded); cmp != 0 {
			return cmp
		}
		return int(a.id) - int(b.id)
	})

	target := int(math.Ceil(fraction * float64(len(candidates))))
	if target > len(candidates) {
		target = len(candidates)
	}

	var evicted int
	var cutoff time.Time
	for _, cand := range candidates {
		if evicted >= target || cand.downloaded.After(oldest) {
			break
		}
		if !c.tree.Alive(cand.id, cand.gen) {
			continue
		}

		parent := c.tree.Parent(cand.id)
		c.evict(cand.id)
		c.prune(parent)
		evicted++
		cutoff = cand.downloaded
	}
	return cutoff, evicted != 0
}

// evict forgets the coverage of a node. Ancestors are no longer whole since a
// part of them is missing.
func (c *Coverage) evict(id NodeID) {
	for p := c.tree.Parent(id); p != NoNode; p = c.tree.Parent(p) {
		c.tree.at(p).payload.whole = false
	}

	c.tree.delete(id)
}

// prune deletes id and its ancestors for as long as they carry no coverage
// information.
func (c *Coverage) prune(id NodeID) {
	for id != NoNode && c.removable(id) {
		parent := c.tree.Parent(id)
		c.tree.delete(id)
		id = parent
	}
}

func (c *Coverage) removable(id NodeID) bool {
	n := c.tree.at(id)
	return id != c.tree.Root() &&
		!n.payload.whole &&
		!n.payload.busy &&
		n.payload.downloaded.IsZero() &&
		!c.tree.HasChildren(id)
}

// PointIsCovered reports whether p is inside a whole region.
func (c *Coverage) PointIsCovered(p geometry.Point) bool {
	return c.AnyPointIsCovered([]geometry.Point{p})
}

// AnyPointIsCovered reports whether at least one of the points is inside a
// whole region. The search for a point starts from the node where the previous
// point search ended, which is fast for points that are close to each other
// such as the nodes of a way.
func (c *Coverage) AnyPointIsCovered(points []geometry.Point) bool {
	root := c.tree.Root()
	id := root

	for _, p := range points {
		if !c.tree.Rect(root).ContainsPoint(p) {
			continue
		}

		for !c.tree.Rect(id).ContainsPoint(p) && c.tree.Parent(id) != NoNode {
			id = c.tree.Parent(id)
		}

		for {
			n := c.tree.at(id)
			if n.payload.whole {
				return true
			}

			child := n.children[n.rect.QuadrantForPoint(p)]
			if child == NoNode {
				break
			}
			id = child
		}
	}
	return false
}

// RectIsCovered reports whether rect is entirely inside whole regions.
func (c *Coverage) RectIsCovered(rect geometry.Rect) bool {
	if !rect.Valid() || !c.Rect().ContainsRect(rect) {
		return false
	}
	if rect.Empty() {
		return c.PointIsCovered(geometry.Point{rect.X, rect.Y})
	}
	return c.rectIsCovered(c.tree.Root(), rect)
}

func (c *Coverage) rectIsCovered(id NodeID, rect geometry.Rect) bool {
	n := c.tree.at(id)
	if n.payload.whole {
		return true
	}
	if !c.tree.HasChildren(id) {
		return false
	}

	for _, q := range geometry.Quadrants {
		if !rect.Overlaps(n.rect.Child(q)) {
			continue
		}
		child := n.children[q]
		if child == NoNode || !c.rectIsCovered(child, rect) {
			return false
		}
	}
	return true
}

// CountBusy returns the number of regions being downloaded.
func (c *Coverage) CountBusy() int {
	return c.countBusy(c.tree.Root())
}

func (c *Coverage) countBusy(id NodeID) int {
	var count int
	c.tree.Walk(id, func(id NodeID) bool {
		if c.tree.at(id).payload.busy {
			count++
		}
		return true
	})
	return count
}

// DownloadCount returns the number of downloaded regions.
func (c *Coverage) DownloadCount() int {
	var count int
	c.tree.Walk(c.tree.Root(), func(id NodeID) bool {
		if !c.tree.at(id).payload.downloaded.IsZero() {
			count++
		}
		return true
	})
	return count
}

// Len returns the number of nodes.
func (c *Coverage) Len() int {
	return c.tree.Len()
}

// IsEmpty reports whether nothing is known about the covered rectangle.
func (c *Coverage) IsEmpty() bool {
	root := c.tree.Root()
	n := c.tree.at(root)
	return !n.payload.whole && !n.payload.busy && !c.tree.HasChildren(root)
}

// Reset forgets everything. Pieces being downloaded are invalidated.
func (c *Coverage) Reset() {
	c.tree.reset()
}

// Quads returns every node of the tree.
func (c *Coverage) Quads() iter.Seq[Quad] {
	return func(yield func(Quad) bool) {
		stop := false
		c.tree.Walk(c.tree.Root(), func(id NodeID) bool {
			if stop {
				return false
			}

			n := c.tree.at(id)
			if !yield(Quad{
				ID:         id,
				Rect:       n.rect,
				Whole:      n.payload.whole,
				Busy:       n.payload.busy,
				Downloaded: n.payload.downloaded,
			}) {
				stop = true
				return false
			}
			return true
		})
	}
}
