package undo

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

const ErrTypeReplay = "undo_replay_failed"

// Recorder receives the inverse of the mutations applied to a spatial index.
type Recorder[M any] interface {
	Record(cmd Command[M])
}

// Applier replays a command and registers its inverse into r.
type Applier[M any] func(cmd Command[M], r Recorder[M]) error

// Stack is an undo and redo history owned by its caller.
//
// Stack is not safe for concurrent use.
type Stack[M any] struct {
	limit int
	undos []Command[M]
	redos []Command[M]
}

// NewStack creates a stack that keeps at most limit commands. A limit of 0
// keeps everything.
func NewStack[M any](limit int) *Stack[M] {
	return &Stack[M]{limit: limit}
}

// Record registers the inverse of a new mutation. The redo history is cleared.
func (s *Stack[M]) Record(cmd Command[M]) {
	s.undos = s.push(s.undos, cmd)
	clear(s.redos)
	s.redos = s.redos[:0]
}

func (s *Stack[M]) push(cmds []Command[M], cmd Command[M]) []Command[M] {
	cmds = append(cmds, cmd)
	if s.limit > 0 && len(cmds) > s.limit {
		n := copy(cmds, cmds[len(cmds)-s.limit:])
		clear(cmds[n:])
		cmds = cmds[:n]
	}
	return cmds
}

func (s *Stack[M]) CanUndo() bool {
	return len(s.undos) != 0
}

func (s *Stack[M]) CanRedo() bool {
	return len(s.redos) != 0
}

// Len returns the number of commands that can be undone and redone.
func (s *Stack[M]) Len() (undos, redos int) {
	return len(s.undos), len(s.redos)
}

// Clear forgets the whole history.
func (s *Stack[M]) Clear() {
	s.undos = nil
	s.redos = nil
}

// Undo replays the last recorded command. The inverse registered by apply
// becomes redoable. It returns false when there is nothing to undo.
func (s *Stack[M]) Undo(apply Applier[M]) (bool, error) {
	cmd, ok := pop(&s.undos)
	if !ok {
		return false, nil
	}
	return true, s.replay(cmd, apply, redoRecorder[M]{stack: s})
}

// Redo replays the last undone command. The inverse registered by apply
// becomes undoable again. It returns false when there is nothing to redo.
func (s *Stack[M]) Redo(apply Applier[M]) (bool, error) {
	cmd, ok := pop(&s.redos)
	if !ok {
		return false, nil
	}
	return true, s.replay(cmd, apply, undoRecorder[M]{stack: s})
}

func (s *Stack[M]) replay(cmd Command[M], apply Applier[M], r Recorder[M]) error {
	logs.WithTag("kind", cmd.Kind.String()).Debug("replaying spatial command")

	if err := apply(cmd, r); err != nil {
		return errors.New("replaying command failed").
			WithType(ErrTypeReplay).
			WithTag("kind", cmd.Kind.String()).
			Wrap(err)
	}
	return nil
}

func pop[M any](cmds *[]Command[M]) (Command[M], bool) {
	l := len(*cmds)
	if l == 0 {
		return Command[M]{}, false
	}

	cmd := (*cmds)[l-1]
	(*cmds)[l-1] = Command[M]{}
	*cmds = (*cmds)[:l-1]
	return cmd, true
}

type undoRecorder[M any] struct {
	stack *Stack[M]
}

func (r undoRecorder[M]) Record(cmd Command[M]) {
	r.stack.undos = r.stack.push(r.stack.undos, cmd)
}

type redoRecorder[M any] struct {
	stack *Stack[M]
}

func (r redoRecorder[M]) Record(cmd Command[M]) {
	r.stack.redos = r.stack.push(r.stack.redos, cmd)
}
