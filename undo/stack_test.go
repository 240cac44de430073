package undo

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/stretchr/testify/require"
)

// set is a minimal spatial store whose mutations register their inverse.
type set map[string]geometry.Rect

func (s set) add(m string, bbox geometry.Rect, r Recorder[string]) {
	s[m] = bbox
	r.Record(RemoveCommand(m, bbox))
}

func (s set) remove(m string, r Recorder[string]) {
	bbox := s[m]
	delete(s, m)
	r.Record(AddCommand(m, bbox))
}

func (s set) move(m string, to geometry.Rect, r Recorder[string]) {
	from := s[m]
	s[m] = to
	r.Record(UpdateCommand(m, from, to))
}

func (s set) apply(cmd Command[string], r Recorder[string]) error {
	switch cmd.Kind {
	case Add:
		bbox, err := cmd.BBox()
		if err != nil {
			return err
		}
		s.add(cmd.Member, bbox, r)

	case Remove:
		s.remove(cmd.Member, r)

	case Update:
		to, _, err := cmd.Boxes()
		if err != nil {
			return err
		}
		s.move(cmd.Member, to, r)
	}
	return nil
}

func TestStackUndoRedo(t *testing.T) {
	a := geometry.NewRect(1, 1, 1, 1)
	b := geometry.NewRect(5, 5, 2, 2)

	s := set{}
	stack := NewStack[string](0)

	s.add("way", a, stack)
	s.move("way", b, stack)
	require.Equal(t, b, s["way"])

	undone, err := stack.Undo(s.apply)
	require.NoError(t, err)
	require.True(t, undone)
	require.Equal(t, a, s["way"])

	undone, err = stack.Undo(s.apply)
	require.NoError(t, err)
	require.True(t, undone)
	require.NotContains(t, s, "way")

	undone, err = stack.Undo(s.apply)
	require.NoError(t, err)
	require.False(t, undone)

	redone, err := stack.Redo(s.apply)
	require.NoError(t, err)
	require.True(t, redone)
	require.Equal(t, a, s["way"])

	redone, err = stack.Redo(s.apply)
	require.NoError(t, err)
	require.True(t, redone)
	require.Equal(t, b, s["way"])
	require.False(t, stack.CanRedo())

	undone, err = stack.Undo(s.apply)
	require.NoError(t, err)
	require.True(t, undone)
	require.Equal(t, a, s["way"])
}

func TestStackRecordClearsRedos(t *testing.T) {
	s := set{}
	stack := NewStack[string](0)

	s.add("node", geometry.NewRect(0, 0, 0, 0), stack)
	_, err := stack.Undo(s.apply)
	require.NoError(t, err)
	require.True(t, stack.CanRedo())

	s.add("way", geometry.NewRect(1, 1, 1, 1), stack)
	require.False(t, stack.CanRedo())

	undos, redos := stack.Len()
	require.Equal(t, 1, undos)
	require.Zero(t, redos)
}

func TestStackLimit(t *testing.T) {
	s := set{}
	stack := NewStack[string](2)

	s.add("a", geometry.NewRect(0, 0, 1, 1), stack)
	s.add("b", geometry.NewRect(1, 1, 1, 1), stack)
	s.add("c", geometry.NewRect(2, 2, 1, 1), stack)

	undos, _ := stack.Len()
	require.Equal(t, 2, undos)

	for stack.CanUndo() {
		_, err := stack.Undo(s.apply)
		require.NoError(t, err)
	}
	require.Equal(t, set{"a": geometry.NewRect(0, 0, 1, 1)}, s)
}

func TestStackReplayError(t *testing.T) {
	stack := NewStack[string](0)
	stack.Record(Command[string]{Kind: Add, Member: "broken", Box: []byte{1, 2, 3}})

	s := set{}
	undone, err := stack.Undo(s.apply)
	require.True(t, undone)
	require.Error(t, err)
	require.Equal(t, ErrTypeReplay, errors.Type(err))
	require.False(t, stack.CanUndo())
	require.Empty(t, s)
}

func TestStackClear(t *testing.T) {
	s := set{}
	stack := NewStack[string](0)
	s.add("a", geometry.NewRect(0, 0, 1, 1), stack)

	stack.Clear()
	require.False(t, stack.CanUndo())
	require.False(t, stack.CanRedo())
}

func TestCommandBoxes(t *testing.T) {
	to := geometry.NewRect(1, 2, 3, 4)
	from := geometry.NewRect(-5, -6, 7, 8)

	decodedTo, decodedFrom, err := UpdateCommand("x", to, from).Boxes()
	require.NoError(t, err)
	require.Equal(t, to, decodedTo)
	require.Equal(t, from, decodedFrom)

	_, _, err = Command[string]{Kind: Update, To: geometry.Box(to)}.Boxes()
	require.Error(t, err)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "add", Add.String())
	require.Equal(t, "remove", Remove.String())
	require.Equal(t, "update", Update.String())
	require.Equal(t, "unknown", Kind(42).String())
}
