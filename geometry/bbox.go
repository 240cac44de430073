package geometry

import (
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const ErrTypeInvalidBBox = "invalid_bbox"

// ParseBBox parses a "min lon,min lat,max lon,max lat" bounding box.
func ParseBBox(s string) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, errors.New("bbox must have 4 coordinates").
			WithType(ErrTypeInvalidBBox).
			WithTag("bbox", s)
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, errors.New("invalid bbox coordinate").
				WithType(ErrTypeInvalidBBox).
				WithTag("bbox", s).
				Wrap(err)
		}
		v[i] = f
	}

	r := Rect{X: v[0], Y: v[1], Width: v[2] - v[0], Height: v[3] - v[1]}
	if !r.Valid() {
		return Rect{}, errors.New("invalid bbox").
			WithType(ErrTypeInvalidBBox).
			WithTag("bbox", s)
	}
	return r, nil
}

// FormatBBox formats a rectangle as a bounding box parsable by ParseBBox.
func FormatBBox(r Rect) string {
	return strings.Join([]string{
		strconv.FormatFloat(r.X, 'f', -1, 64),
		strconv.FormatFloat(r.Y, 'f', -1, 64),
		strconv.FormatFloat(r.MaxX(), 'f', -1, 64),
		strconv.FormatFloat(r.MaxY(), 'f', -1, 64),
	}, ",")
}
