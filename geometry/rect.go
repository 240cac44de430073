package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Point is a longitude/latitude pair.
type Point = orb.Point

// World is the whole longitude/latitude plane, in degrees.
var World = Rect{X: -180, Y: -90, Width: 360, Height: 180}

// Rect is an axis-aligned rectangle defined by its origin (minimum longitude and
// latitude) and its size.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func NewRect(x, y, width, height float64) Rect {
	return Rect{X: x, Y: y, Width: width, Height: height}
}

// RectFromPoint returns a zero sized rectangle located at p.
func RectFromPoint(p Point) Rect {
	return Rect{X: p.X(), Y: p.Y()}
}

// FromBound converts an orb bound to a rectangle.
func FromBound(b orb.Bound) Rect {
	return Rect{
		X:      b.Min.X(),
		Y:      b.Min.Y(),
		Width:  b.Max.X() - b.Min.X(),
		Height: b.Max.Y() - b.Min.Y(),
	}
}

func (r Rect) MaxX() float64 {
	return r.X + r.Width
}

func (r Rect) MaxY() float64 {
	return r.Y + r.Height
}

func (r Rect) Center() Point {
	return Point{r.X + r.Width*0.5, r.Y + r.Height*0.5}
}

// Bound converts the rectangle to an orb bound.
func (r Rect) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{r.X, r.Y},
		Max: orb.Point{r.MaxX(), r.MaxY()},
	}
}

// Valid reports whether the rectangle has finite coordinates and a non negative
// size.
func (r Rect) Valid() bool {
	for _, v := range [...]float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Width >= 0 && r.Height >= 0
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ContainsPoint reports whether p is inside r, edges included.
func (r Rect) ContainsPoint(p Point) bool {
	return p.X() >= r.X &&
		p.X() <= r.MaxX() &&
		p.Y() >= r.Y &&
		p.Y() <= r.MaxY()
}

// ContainsRect reports whether b is entirely inside r, edges included.
func (r Rect) ContainsRect(b Rect) bool {
	return r.X <= b.X &&
		r.Y <= b.Y &&
		r.MaxX() >= b.MaxX() &&
		r.MaxY() >= b.MaxY()
}

// Intersects reports whether r and b share at least one point. Touching edges
// count as an intersection so that zero sized boxes are found by area queries.
func (r Rect) Intersects(b Rect) bool {
	return r.X <= b.MaxX() &&
		b.X <= r.MaxX() &&
		r.Y <= b.MaxY() &&
		b.Y <= r.MaxY()
}

// Overlaps reports whether r and b share a region with a positive area.
func (r Rect) Overlaps(b Rect) bool {
	return r.X < b.MaxX() &&
		b.X < r.MaxX() &&
		r.Y < b.MaxY() &&
		b.Y < r.MaxY()
}

// Intersection returns the part of r that is inside b. The returned boolean is
// false when they do not intersect.
func (r Rect) Intersection(b Rect) (Rect, bool) {
	if !r.Intersects(b) {
		return Rect{}, false
	}

	minX := math.Max(r.X, b.X)
	minY := math.Max(r.Y, b.Y)
	maxX := math.Min(r.MaxX(), b.MaxX())
	maxY := math.Min(r.MaxY(), b.MaxY())
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

// Union returns the smallest rectangle that contains both r and b.
func (r Rect) Union(b Rect) Rect {
	minX := math.Min(r.X, b.X)
	minY := math.Min(r.Y, b.Y)
	maxX := math.Max(r.MaxX(), b.MaxX())
	maxY := math.Max(r.MaxY(), b.MaxY())
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func (r Rect) String() string {
	return fmt.Sprintf("[%g,%g,%g,%g]", r.X, r.Y, r.MaxX(), r.MaxY())
}

// SplitAntimeridian decomposes a rectangle that crosses the ±180° meridian into
// one rectangle per hemisphere. Latitudes are clamped to the world and a
// rectangle wider than the world is reduced to the full longitude range.
func SplitAntimeridian(r Rect) []Rect {
	minY := math.Max(r.Y, World.Y)
	maxY := math.Min(r.MaxY(), World.MaxY())
	if maxY < minY {
		return nil
	}
	height := maxY - minY

	if r.Width >= World.Width {
		return []Rect{{X: World.X, Y: minY, Width: World.Width, Height: height}}
	}

	minX := r.X
	maxX := r.MaxX()
	switch {
	case minX < World.X && maxX <= World.X:
		minX += World.Width
		maxX += World.Width

	case minX >= World.MaxX():
		minX -= World.Width
		maxX -= World.Width
	}

	switch {
	case minX < World.X:
		return []Rect{
			{X: World.X, Y: minY, Width: maxX - World.X, Height: height},
			{X: minX + World.Width, Y: minY, Width: World.MaxX() - (minX + World.Width), Height: height},
		}

	case maxX > World.MaxX():
		return []Rect{
			{X: minX, Y: minY, Width: World.MaxX() - minX, Height: height},
			{X: World.X, Y: minY, Width: maxX - World.Width - World.X, Height: height},
		}

	default:
		return []Rect{{X: minX, Y: minY, Width: maxX - minX, Height: height}}
	}
}
