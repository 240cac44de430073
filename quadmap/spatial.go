// Package quadmap coordinates the quadtrees of a map: a spatial index of
// editable objects whose mutations can be undone, and the regions of the map
// that are downloaded.
package quadmap

import (
	"fmt"
	"iter"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/aukilabs/quadmap/undo"
)

const ErrTypeInconsistent = "spatial_index_inconsistent"

// Member is an object that can be stored in a spatial index.
type Member interface {
	comparable

	// Returns the current bounding box of the object.
	BoundingBox() geometry.Rect
}

// Mover is implemented by members whose bounding box must follow the commands
// replayed by Spatial.Apply.
type Mover interface {
	Move(bbox geometry.Rect)
}

// Spatial is an index of map objects. Members crossing the antimeridian are
// indexed once per hemisphere.
//
// Spatial is not safe for concurrent use.
type Spatial[M Member] struct {
	name  string
	index *quadtree.Index[M]

	// Members indexed in several parts, with their number of extra entries.
	split map[M]int
	extra int
}

// NewSpatial creates an empty index covering the world.
func NewSpatial[M Member](name string) *Spatial[M] {
	return &Spatial[M]{
		name:  name,
		index: quadtree.NewIndex[M](geometry.World),
		split: make(map[M]int),
	}
}

// parts splits bbox on the antimeridian. It returns nothing when bbox cannot
// be indexed.
func parts(bbox geometry.Rect) []geometry.Rect {
	if !bbox.Valid() {
		return nil
	}
	return geometry.SplitAntimeridian(bbox)
}

func (s *Spatial[M]) insert(m M, bbox geometry.Rect) bool {
	p := parts(bbox)
	if len(p) == 0 {
		quadtree.RejectRect(bbox)
		return false
	}

	for _, part := range p {
		s.index.Insert(m, part)
	}
	if len(p) > 1 {
		s.split[m] = len(p) - 1
		s.extra += len(p) - 1
	}
	return true
}

func (s *Spatial[M]) remove(m M, bbox geometry.Rect) bool {
	var removed bool
	for _, part := range parts(bbox) {
		if s.index.Remove(m, part) {
			removed = true
		}
	}

	if n, ok := s.split[m]; ok && removed {
		delete(s.split, m)
		s.extra -= n
	}
	return removed
}

// AddMember inserts a member with its current bounding box. The inverse
// command is registered into u when u is not nil.
func (s *Spatial[M]) AddMember(m M, u undo.Recorder[M]) {
	s.addMember(m, m.BoundingBox(), u)
}

func (s *Spatial[M]) addMember(m M, bbox geometry.Rect, u undo.Recorder[M]) {
	if !s.insert(m, bbox) {
		return
	}
	if u != nil {
		u.Record(undo.RemoveCommand(m, bbox))
	}
	s.instrument()
}

// RemoveMember removes a member inserted with its current bounding box. The
// inverse command is registered only when the member is removed.
func (s *Spatial[M]) RemoveMember(m M, u undo.Recorder[M]) bool {
	return s.removeMember(m, m.BoundingBox(), u)
}

func (s *Spatial[M]) removeMember(m M, bbox geometry.Rect, u undo.Recorder[M]) bool {
	if !s.remove(m, bbox) {
		return false
	}

	if u != nil {
		u.Record(undo.AddCommand(m, bbox))
	}
	s.instrument()
	return true
}

// UpdateMember moves a member from one bounding box to another. Nothing
// happens when both boxes are equal or when to cannot be indexed. A member
// that cannot be found with from is inserted, in which case the inverse
// command is a removal.
func (s *Spatial[M]) UpdateMember(m M, to, from geometry.Rect, u undo.Recorder[M]) {
	if to == from {
		return
	}

	toParts := parts(to)
	if len(toParts) == 0 {
		quadtree.RejectRect(to)
		return
	}

	var found bool
	if fromParts := parts(from); len(fromParts) == 1 && len(toParts) == 1 {
		found = s.index.Update(m, fromParts[0], toParts[0])
	} else {
		found = s.remove(m, from)
		s.insert(m, to)
	}

	if !found {
		logs.WithTag("member", fmt.Sprint(m)).
			WithTag("from", from.String()).
			Debug("updated member was not indexed")
	}
	s.instrument()

	if u == nil {
		return
	}
	if found {
		u.Record(undo.UpdateCommand(m, from, to))
		return
	}
	u.Record(undo.RemoveCommand(m, to))
}

// UpdateMemberBoxed is UpdateMember with bounding boxes encoded with
// geometry.Box.
func (s *Spatial[M]) UpdateMemberBoxed(m M, to, from []byte, u undo.Recorder[M]) error {
	toRect, err := geometry.Unbox(to)
	if err != nil {
		return err
	}

	fromRect, err := geometry.Unbox(from)
	if err != nil {
		return err
	}

	s.UpdateMember(m, toRect, fromRect, u)
	return nil
}

// Apply replays a command and registers its inverse into u. It is meant to be
// given to undo.Stack.Undo and undo.Stack.Redo.
func (s *Spatial[M]) Apply(cmd undo.Command[M], u undo.Recorder[M]) error {
	switch cmd.Kind {
	case undo.Add:
		bbox, err := cmd.BBox()
		if err != nil {
			return err
		}
		move(cmd.Member, bbox)
		s.addMember(cmd.Member, bbox, u)

	case undo.Remove:
		bbox, err := cmd.BBox()
		if err != nil {
			return err
		}
		s.removeMember(cmd.Member, bbox, u)

	case undo.Update:
		to, from, err := cmd.Boxes()
		if err != nil {
			return err
		}
		move(cmd.Member, to)
		s.UpdateMember(cmd.Member, to, from, u)

	default:
		return errors.Newf("unknown command kind %v", cmd.Kind)
	}
	return nil
}

func move[M Member](m M, bbox geometry.Rect) {
	if mover, ok := any(m).(Mover); ok {
		mover.Move(bbox)
	}
}

// FindObjects returns the members whose bounding box intersects area. Areas
// crossing the antimeridian are searched on both sides. Each member is returned
// once.
func (s *Spatial[M]) FindObjects(area geometry.Rect) iter.Seq[M] {
	areas := geometry.SplitAntimeridian(area)
	if len(areas) == 1 && s.extra == 0 {
		return s.index.Find(areas[0])
	}

	return func(yield func(M) bool) {
		seen := make(map[M]struct{})
		for _, part := range areas {
			for m := range s.index.Find(part) {
				if _, ok := seen[m]; ok {
					continue
				}
				seen[m] = struct{}{}

				if !yield(m) {
					return
				}
			}
		}
	}
}

// Entries returns every index entry. Members crossing the antimeridian have
// one entry per hemisphere.
func (s *Spatial[M]) Entries() iter.Seq[quadtree.Entry[M]] {
	return s.index.Entries()
}

// DeleteWhere removes the members matching the given predicate. Removals are
// not undoable.
func (s *Spatial[M]) DeleteWhere(match func(M) bool) int {
	var extra int
	decided := make(map[M]bool)
	n := s.index.DeleteWhere(func(m M) bool {
		if _, ok := s.split[m]; !ok {
			return match(m)
		}

		del, ok := decided[m]
		if !ok {
			del = match(m)
			decided[m] = del
			if del {
				extra += s.split[m]
			}
		}
		return del
	})

	for m, del := range decided {
		if del {
			delete(s.split, m)
		}
	}
	s.extra -= extra
	s.instrument()
	return n - extra
}

// Count returns the number of indexed members.
func (s *Spatial[M]) Count() int {
	return s.index.Count() - s.extra
}

func (s *Spatial[M]) IsEmpty() bool {
	return s.index.IsEmpty()
}

// Reset removes every member.
func (s *Spatial[M]) Reset() {
	s.index.Reset()
	clear(s.split)
	s.extra = 0
	s.instrument()
}

// ConsistencyCheck verifies that every known member is indexed exactly once
// per part of its bounding box, inside nodes that contain its box, and that
// nothing else is indexed.
func (s *Spatial[M]) ConsistencyCheck(known []M) error {
	counts := make(map[M]int, len(known))
	var total int

	for e := range s.index.Entries() {
		total++
		counts[e.Member]++

		if !e.Node.ContainsRect(e.BBox) {
			return errors.New("member is outside of its node").
				WithType(ErrTypeInconsistent).
				WithTag("member", fmt.Sprint(e.Member)).
				WithTag("bbox", e.BBox.String()).
				WithTag("node", e.Node.String())
		}
	}

	var expected int
	for _, m := range known {
		want := len(parts(m.BoundingBox()))
		expected += want

		if n := counts[m]; n != want {
			return errors.New("member is not indexed exactly once").
				WithType(ErrTypeInconsistent).
				WithTag("member", fmt.Sprint(m)).
				WithTag("count", n).
				WithTag("expected", want)
		}
	}

	if total != expected {
		return errors.New("indexed member count mismatch").
			WithType(ErrTypeInconsistent).
			WithTag("indexed", total).
			WithTag("known", len(known))
	}
	return nil
}

func (s *Spatial[M]) instrument() {
	instrumentSpatialMembers(s.name, s.Count())
}
