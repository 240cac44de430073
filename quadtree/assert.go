package quadtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/geometry"
)

const (
	ErrTypeInvalidGeometry = "invalid_geometry"
	ErrTypeDuplicateMember = "duplicate_member"
)

// assert reports a broken caller contract. Builds tagged with quadtreedebug
// panic, other builds log the error and let the caller ignore the operation.
func assert(err error) {
	if debugAssertions {
		panic(err)
	}
	logs.Warn(err)
}

func invalidGeometry(r geometry.Rect) error {
	return errors.New("invalid geometry").
		WithType(ErrTypeInvalidGeometry).
		WithTag("rect", r.String())
}

// RejectRect reports a bounding box that cannot be indexed.
func RejectRect(r geometry.Rect) {
	assert(invalidGeometry(r))
}
