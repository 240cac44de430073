package geometry

import (
	"encoding/binary"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// BoxSize is the length of a binary encoded rectangle.
const BoxSize = 32

const ErrTypeInvalidBox = "invalid_box"

// MarshalBinary encodes the rectangle as four big-endian float64 values.
func (r Rect) MarshalBinary() ([]byte, error) {
	b := make([]byte, BoxSize)
	binary.BigEndian.PutUint64(b[0:], math.Float64bits(r.X))
	binary.BigEndian.PutUint64(b[8:], math.Float64bits(r.Y))
	binary.BigEndian.PutUint64(b[16:], math.Float64bits(r.Width))
	binary.BigEndian.PutUint64(b[24:], math.Float64bits(r.Height))
	return b, nil
}

func (r *Rect) UnmarshalBinary(b []byte) error {
	if len(b) != BoxSize {
		return errors.New("invalid box length").
			WithType(ErrTypeInvalidBox).
			WithTag("length", len(b))
	}

	r.X = math.Float64frombits(binary.BigEndian.Uint64(b[0:]))
	r.Y = math.Float64frombits(binary.BigEndian.Uint64(b[8:]))
	r.Width = math.Float64frombits(binary.BigEndian.Uint64(b[16:]))
	r.Height = math.Float64frombits(binary.BigEndian.Uint64(b[24:]))
	return nil
}

// Box returns the binary encoding of r.
func Box(r Rect) []byte {
	b, _ := r.MarshalBinary()
	return b
}

// Unbox decodes a rectangle produced by Box.
func Unbox(b []byte) (Rect, error) {
	var r Rect
	err := r.UnmarshalBinary(b)
	return r, err
}
