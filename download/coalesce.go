package download

import (
	"cmp"
	"slices"

	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/google/uuid"
)

// Query is a rectangle fetched at once. It is made of adjacent pieces that are
// all completed with the result of the fetch.
type Query struct {
	ID     uuid.UUID
	Rect   geometry.Rect
	Pieces []quadtree.Piece
}

func newQuery(p quadtree.Piece) *Query {
	return &Query{
		ID:     uuid.New(),
		Rect:   p.Rect,
		Pieces: []quadtree.Piece{p},
	}
}

// Queries returns one query per piece.
func Queries(pieces []quadtree.Piece) []Query {
	queries := make([]Query, len(pieces))
	for i, p := range pieces {
		queries[i] = *newQuery(p)
	}
	return queries
}

// Coalesce groups pieces into queries. Pieces of the same row with the same
// height that follow each other are merged first. Pieces left alone are then
// merged with the pieces of the same column with the same width that follow
// each other.
func Coalesce(pieces []quadtree.Piece) []Query {
	rows := slices.Clone(pieces)
	slices.SortFunc(rows, func(a, b quadtree.Piece) int {
		if c := cmp.Compare(a.Rect.Y, b.Rect.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.Rect.X, b.Rect.X)
	})

	var queries []Query
	var singles []quadtree.Piece
	flush := func(q *Query) {
		if q == nil {
			return
		}
		if len(q.Pieces) == 1 {
			singles = append(singles, q.Pieces[0])
			return
		}
		queries = append(queries, *q)
	}

	var prev *Query
	for _, p := range rows {
		if prev != nil &&
			p.Rect.Y == prev.Rect.Y &&
			p.Rect.X == prev.Rect.MaxX() &&
			p.Rect.Height == prev.Rect.Height {
			prev.Pieces = append(prev.Pieces, p)
			prev.Rect.Width += p.Rect.Width
			continue
		}

		flush(prev)
		prev = newQuery(p)
	}
	flush(prev)

	slices.SortFunc(singles, func(a, b quadtree.Piece) int {
		if c := cmp.Compare(a.Rect.X, b.Rect.X); c != 0 {
			return c
		}
		return cmp.Compare(a.Rect.Y, b.Rect.Y)
	})

	prev = nil
	for _, p := range singles {
		if prev != nil &&
			p.Rect.X == prev.Rect.X &&
			p.Rect.Y == prev.Rect.MaxY() &&
			p.Rect.Width == prev.Rect.Width {
			prev.Pieces = append(prev.Pieces, p)
			prev.Rect.Height += p.Rect.Height
			continue
		}

		if prev != nil {
			queries = append(queries, *prev)
		}
		prev = newQuery(p)
	}
	if prev != nil {
		queries = append(queries, *prev)
	}
	return queries
}
