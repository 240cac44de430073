// Package undo records invertible spatial mutations so that they can be undone
// and redone.
package undo

import (
	"github.com/aukilabs/quadmap/geometry"
)

// Kind is the kind of mutation a command replays.
type Kind int

const (
	Add Kind = iota
	Remove
	Update
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Command describes a mutation of a spatial index. Bounding boxes are carried
// as buffers encoded with geometry.Box.
type Command[M any] struct {
	Kind   Kind
	Member M

	// The bounding box of an added or removed member.
	Box []byte

	// The bounding boxes of an updated member.
	To   []byte
	From []byte
}

// AddCommand returns a command that adds a member with the given bounding box.
func AddCommand[M any](m M, bbox geometry.Rect) Command[M] {
	return Command[M]{
		Kind:   Add,
		Member: m,
		Box:    geometry.Box(bbox),
	}
}

// RemoveCommand returns a command that removes a member with the given
// bounding box.
func RemoveCommand[M any](m M, bbox geometry.Rect) Command[M] {
	return Command[M]{
		Kind:   Remove,
		Member: m,
		Box:    geometry.Box(bbox),
	}
}

// UpdateCommand returns a command that moves a member from a bounding box to
// another.
func UpdateCommand[M any](m M, to, from geometry.Rect) Command[M] {
	return Command[M]{
		Kind:   Update,
		Member: m,
		To:     geometry.Box(to),
		From:   geometry.Box(from),
	}
}

// BBox decodes the bounding box of an add or remove command.
func (c Command[M]) BBox() (geometry.Rect, error) {
	return geometry.Unbox(c.Box)
}

// Boxes decodes the bounding boxes of an update command.
func (c Command[M]) Boxes() (to, from geometry.Rect, err error) {
	if to, err = geometry.Unbox(c.To); err != nil {
		return geometry.Rect{}, geometry.Rect{}, err
	}
	if from, err = geometry.Unbox(c.From); err != nil {
		return geometry.Rect{}, geometry.Rect{}, err
	}
	return to, from, nil
}
