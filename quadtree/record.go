package quadtree

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
)

// MaxRecordDepth bounds the depth of the records accepted by
// NewCoverageFromRecord.
const MaxRecordDepth = 40

// ErrTypeInvalidRecord is the error type returned when a record cannot be
// turned into a coverage tree.
const ErrTypeInvalidRecord = "invalid_record"

// Record is a detached copy of a coverage node and its children, used to
// persist coverage trees. Busy flags are not part of a record.
type Record struct {
	Rect       geometry.Rect
	Whole      bool
	Split      bool
	Downloaded time.Time
	Children   [4]*Record
}

// Record returns a copy of the whole tree.
func (c *Coverage) Record() *Record {
	return c.record(c.tree.Root())
}

func (c *Coverage) record(id NodeID) *Record {
	n := c.tree.at(id)
	r := &Record{
		Rect:       n.rect,
		Whole:      n.payload.whole,
		Split:      n.split,
		Downloaded: n.payload.downloaded,
	}

	for q, child := range n.children {
		if child != NoNode {
			r.Children[q] = c.record(child)
		}
	}
	return r
}

// NewCoverageFromRecord rebuilds a coverage tree from a record. Every node is
// loaded as not busy.
func NewCoverageFromRecord(r *Record) (*Coverage, error) {
	if r == nil {
		return nil, errors.New("missing root record").
			WithType(ErrTypeInvalidRecord)
	}
	if !r.Rect.Valid() || r.Rect.Empty() {
		return nil, errors.New("invalid root rect").
			WithType(ErrTypeInvalidRecord).
			WithTag("rect", r.Rect.String())
	}

	c := NewCoverage(r.Rect)
	if err := c.load(c.tree.Root(), r, 0); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coverage) load(id NodeID, r *Record, depth int) error {
	if depth > MaxRecordDepth {
		return errors.New("record is too deep").
			WithType(ErrTypeInvalidRecord).
			WithTag("depth", depth)
	}

	n := c.tree.at(id)
	n.split = r.Split
	n.payload.whole = r.Whole
	n.payload.downloaded = r.Downloaded

	rect := n.rect
	for _, q := range geometry.Quadrants {
		child := r.Children[q]
		if child == nil {
			continue
		}

		if child.Rect != rect.Child(q) {
			return errors.New("child rect does not match its quadrant").
				WithType(ErrTypeInvalidRecord).
				WithTag("parent", rect.String()).
				WithTag("quadrant", q.String()).
				WithTag("rect", child.Rect.String())
		}

		if err := c.load(c.tree.ensureChild(id, q), child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
