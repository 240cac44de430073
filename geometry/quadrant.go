package geometry

// Quadrant identifies one of the four equal sub-rectangles of a rectangle.
// North is the half with the greater latitude.
type Quadrant int

const (
	NW Quadrant = iota
	NE
	SW
	SE
)

// Quadrants lists the quadrants in their positional order.
var Quadrants = [4]Quadrant{NW, NE, SW, SE}

func (q Quadrant) String() string {
	switch q {
	case NW:
		return "nw"
	case NE:
		return "ne"
	case SW:
		return "sw"
	case SE:
		return "se"
	default:
		return "invalid"
	}
}

func quadrantOf(west, north bool) Quadrant {
	switch {
	case north && west:
		return NW
	case north:
		return NE
	case west:
		return SW
	default:
		return SE
	}
}

// Child returns the rectangle covered by the given quadrant of r.
func (r Rect) Child(q Quadrant) Rect {
	w := r.Width * 0.5
	h := r.Height * 0.5

	switch q {
	case NW:
		return Rect{X: r.X, Y: r.Y + h, Width: w, Height: h}
	case NE:
		return Rect{X: r.X + w, Y: r.Y + h, Width: w, Height: h}
	case SW:
		return Rect{X: r.X, Y: r.Y, Width: w, Height: h}
	default:
		return Rect{X: r.X + w, Y: r.Y, Width: w, Height: h}
	}
}

// QuadrantForPoint returns the quadrant of r where p is located.
func (r Rect) QuadrantForPoint(p Point) Quadrant {
	midX := r.X + r.Width*0.5
	midY := r.Y + r.Height*0.5
	return quadrantOf(p.X() < midX, p.Y() >= midY)
}

// QuadrantForRect returns the single quadrant of r that fully contains b. The
// returned boolean is false when b straddles one of the center lines.
func (r Rect) QuadrantForRect(b Rect) (Quadrant, bool) {
	midX := r.X + r.Width*0.5
	midY := r.Y + r.Height*0.5

	var west bool
	if b.X < midX {
		if b.MaxX() >= midX {
			return 0, false
		}
		west = true
	}

	north := true
	if b.Y < midY {
		if b.MaxY() >= midY {
			return 0, false
		}
		north = false
	}

	return quadrantOf(west, north), true
}
