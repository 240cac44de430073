package quadtree

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/aukilabs/quadmap/geometry"
	"github.com/stretchr/testify/require"
)

func findAll(x *Index[int], area geometry.Rect) []int {
	found := slices.Collect(x.Find(area))
	slices.Sort(found)
	return found
}

// occurrences counts how many times each member is stored in the index.
func occurrences(x *Index[int]) map[int]int {
	counts := make(map[int]int)
	for e := range x.Entries() {
		counts[e.Member]++
	}
	return counts
}

func TestIndexInsert(t *testing.T) {
	t.Run("members are kept in the root until it is full", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range MaxMembersPerNode {
			x.Insert(i, geometry.NewRect(float64(i), float64(i), 0.5, 0.5))
		}

		require.False(t, x.tree.IsSplit(x.tree.Root()))
		require.Len(t, x.Members(x.tree.Root()), MaxMembersPerNode)
		require.Equal(t, 1, x.Nodes())
	})

	t.Run("a full node is split", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range MaxMembersPerNode + 1 {
			x.Insert(i, geometry.RectFromPoint(geometry.Point{float64(i) + 0.5, float64(i) + 0.5}))
		}

		root := x.tree.Root()
		require.True(t, x.tree.IsSplit(root))
		require.Empty(t, x.Members(root))

		ne := x.tree.Child(root, geometry.NE)
		require.NotEqual(t, NoNode, ne)
		require.Equal(t, MaxMembersPerNode+1, x.Count())

		for id := range x.tree.nodes {
			if !x.tree.at(NodeID(id)).released {
				require.LessOrEqual(t, len(x.Members(NodeID(id))), MaxMembersPerNode)
			}
		}
	})

	t.Run("members land in the smallest enclosing quadrant", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range MaxMembersPerNode + 1 {
			x.Insert(i, geometry.NewRect(-170+float64(i), -80, 0.5, 0.5))
		}

		for i := range MaxMembersPerNode + 1 {
			bbox := geometry.NewRect(-170+float64(i), -80, 0.5, 0.5)
			id, ok := x.NodeContaining(i, bbox)
			require.True(t, ok)
			require.True(t, x.tree.Rect(id).ContainsRect(bbox))

			if x.tree.IsSplit(id) {
				_, fits := x.tree.Rect(id).QuadrantForRect(bbox)
				require.False(t, fits)
			}
		}
	})

	t.Run("straddling members stay in the split node", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		straddling := geometry.NewRect(-1, -1, 2, 2)
		x.Insert(-1, straddling)
		for i := range MaxMembersPerNode + 1 {
			x.Insert(i, geometry.NewRect(10+float64(i), 10, 0.5, 0.5))
		}

		id, ok := x.NodeContaining(-1, straddling)
		require.True(t, ok)
		require.Equal(t, x.tree.Root(), id)
		require.True(t, x.tree.IsSplit(id))
	})

	t.Run("degenerate boxes do not recurse forever", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range 100 {
			x.Insert(i, geometry.RectFromPoint(geometry.Point{12.5, 41.9}))
		}

		require.Equal(t, 100, x.Count())
		require.Len(t, findAll(x, geometry.RectFromPoint(geometry.Point{12.5, 41.9})), 100)
	})

	t.Run("boxes outside of the index are clamped", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		x.Insert(1, geometry.NewRect(170, 0, 20, 1))

		require.Equal(t, []int{1}, findAll(x, geometry.NewRect(179, 0, 1, 1)))
	})

	t.Run("invalid boxes are ignored", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		x.Insert(1, geometry.NewRect(0, 0, -1, 1))
		x.Insert(2, geometry.NewRect(200, 0, 1, 1))

		require.True(t, x.IsEmpty())
	})

	t.Run("duplicates are ignored", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		x.Insert(1, geometry.NewRect(0, 0, 1, 1))
		x.Insert(1, geometry.NewRect(0, 0, 1, 1))

		require.Equal(t, 1, x.Count())
	})
}

func TestIndexSeventeenPoints(t *testing.T) {
	x := NewIndex[int](geometry.World)
	for i := range 17 {
		p := geometry.Point{float64(i*5) + 0.5, float64(i*5) + 0.5}
		x.Insert(i, geometry.RectFromPoint(p))
	}

	root := x.tree.Root()
	require.True(t, x.tree.IsSplit(root))

	ne := x.tree.Child(root, geometry.NE)
	require.NotEqual(t, NoNode, ne)
	require.Equal(t, 17, x.Count())

	var inNE int
	x.tree.Walk(ne, func(id NodeID) bool {
		inNE += len(x.Members(id))
		return true
	})
	require.Equal(t, 17, inNE)

	for id := range x.tree.nodes {
		if !x.tree.at(NodeID(id)).released {
			require.LessOrEqual(t, len(x.Members(NodeID(id))), MaxMembersPerNode)
		}
	}
}

func TestIndexRemove(t *testing.T) {
	t.Run("a removed member is no longer found", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		x.Insert(1, geometry.NewRect(0, 0, 1, 1))
		x.Insert(2, geometry.NewRect(2, 2, 1, 1))

		require.True(t, x.Remove(1, geometry.NewRect(0, 0, 1, 1)))
		require.Equal(t, []int{2}, findAll(x, geometry.World))
	})

	t.Run("removing a missing member reports not found", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		x.Insert(1, geometry.NewRect(0, 0, 1, 1))

		require.False(t, x.Remove(2, geometry.NewRect(0, 0, 1, 1)))
		require.Equal(t, 1, x.Count())
	})

	t.Run("members are removed from split nodes", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range 50 {
			x.Insert(i, geometry.NewRect(float64(i), float64(i), 0.5, 0.5))
		}
		for i := range 50 {
			require.True(t, x.Remove(i, geometry.NewRect(float64(i), float64(i), 0.5, 0.5)))
		}
		require.Zero(t, x.Count())
		require.Empty(t, findAll(x, geometry.World))
	})
}

func TestIndexUpdate(t *testing.T) {
	t.Run("a moved member is found at its new place", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		for i := range 40 {
			x.Insert(i, geometry.NewRect(float64(i), 10, 0.5, 0.5))
		}

		from := geometry.NewRect(3, 10, 0.5, 0.5)
		to := geometry.NewRect(-120, -45, 0.5, 0.5)
		require.True(t, x.Update(3, from, to))

		require.NotContains(t, findAll(x, from), 3)
		require.Contains(t, findAll(x, to), 3)
		require.Equal(t, 40, x.Count())
	})

	t.Run("a small move keeps the member in its node", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		from := geometry.NewRect(1, 1, 1, 1)
		to := geometry.NewRect(1.5, 1.5, 1, 1)
		x.Insert(1, from)

		require.True(t, x.Update(1, from, to))
		id, ok := x.NodeContaining(1, to)
		require.True(t, ok)
		require.Equal(t, x.tree.Root(), id)
		require.Empty(t, findAll(x, geometry.NewRect(0, 0, 0.5, 0.5)))
		require.Equal(t, []int{1}, findAll(x, geometry.NewRect(2.2, 2.2, 0.1, 0.1)))
	})

	t.Run("a member missing at its previous place is inserted", func(t *testing.T) {
		x := NewIndex[int](geometry.World)

		require.False(t, x.Update(1, geometry.NewRect(0, 0, 1, 1), geometry.NewRect(5, 5, 1, 1)))
		require.Equal(t, []int{1}, findAll(x, geometry.World))
	})

	t.Run("an invalid box leaves the member in place", func(t *testing.T) {
		x := NewIndex[int](geometry.World)
		from := geometry.NewRect(1, 1, 1, 1)
		x.Insert(1, from)

		require.False(t, x.Update(1, from, geometry.NewRect(0, 0, -1, 1)))
		require.False(t, x.Update(1, from, geometry.NewRect(0, 100, 1, 1)))
		require.Equal(t, 1, x.Count())
		require.Equal(t, []int{1}, findAll(x, from))
		require.Equal(t, map[int]int{1: 1}, occurrences(x))
	})
}

func TestIndexSplitMember(t *testing.T) {
	east := geometry.NewRect(179.5, -1, 0.5, 2)
	west := geometry.NewRect(-180, -1, 0.5, 2)

	x := NewIndex[int](geometry.World)
	x.Insert(1, east)
	x.Insert(1, west)
	require.Equal(t, 2, x.Count())
	require.Equal(t, []int{1}, findAll(x, geometry.NewRect(179.7, 0, 0.1, 0.1)))
	require.Equal(t, []int{1}, findAll(x, geometry.NewRect(-179.8, 0, 0.1, 0.1)))

	t.Run("the part matching the box is removed", func(t *testing.T) {
		require.True(t, x.Remove(1, west))
		require.Empty(t, findAll(x, geometry.NewRect(-179.8, 0, 0.1, 0.1)))
		require.Equal(t, []int{1}, findAll(x, geometry.NewRect(179.7, 0, 0.1, 0.1)))
		require.Equal(t, 1, x.Count())
	})
}

func TestIndexFind(t *testing.T) {
	x := NewIndex[int](geometry.World)
	x.Insert(1, geometry.NewRect(0, 0, 1, 1))
	x.Insert(2, geometry.NewRect(10, 10, 1, 1))
	x.Insert(3, geometry.NewRect(-50, -50, 1, 1))

	require.Equal(t, []int{1, 2}, findAll(x, geometry.NewRect(0, 0, 10, 10)))
	require.Equal(t, []int{1}, findAll(x, geometry.NewRect(1, 1, 1, 1)))
	require.Empty(t, findAll(x, geometry.NewRect(100, 50, 1, 1)))

	t.Run("iteration stops early", func(t *testing.T) {
		var n int
		for range x.Find(geometry.World) {
			n++
			break
		}
		require.Equal(t, 1, n)
	})
}

func TestIndexDeleteWhere(t *testing.T) {
	x := NewIndex[int](geometry.World)
	for i := range 40 {
		x.Insert(i, geometry.NewRect(float64(i), float64(i), 0.5, 0.5))
	}

	removed := x.DeleteWhere(func(m int) bool { return m%2 == 0 })
	require.Equal(t, 20, removed)
	require.Equal(t, 20, x.Count())
	for m := range x.Find(geometry.World) {
		require.Equal(t, 1, m%2)
	}
}

func TestIndexRandomOperations(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	x := NewIndex[int](geometry.World)
	live := make(map[int]geometry.Rect)

	randomRect := func() geometry.Rect {
		w := r.Float64() * 10
		h := r.Float64() * 10
		return geometry.NewRect(-180+r.Float64()*(360-w), -90+r.Float64()*(180-h), w, h)
	}

	for i := range 2000 {
		switch op := r.Intn(3); {
		case op == 0 || len(live) == 0:
			bbox := randomRect()
			x.Insert(i, bbox)
			live[i] = bbox

		case op == 1:
			for m, bbox := range live {
				require.True(t, x.Remove(m, bbox))
				delete(live, m)
				break
			}

		default:
			for m, bbox := range live {
				to := randomRect()
				require.True(t, x.Update(m, bbox, to))
				live[m] = to
				break
			}
		}
	}

	counts := occurrences(x)
	require.Len(t, counts, len(live))
	require.Equal(t, len(live), x.Count())
	for m, n := range counts {
		require.Equal(t, 1, n, fmt.Sprintf("member %d", m))
	}

	for range 50 {
		area := randomRect()
		found := findAll(x, area)
		for m, bbox := range live {
			if bbox.Intersects(area) {
				require.Contains(t, found, m)
			}
		}
	}
}
