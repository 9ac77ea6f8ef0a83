package canvas

// Bounds is an axis-aligned frame rectangle.
type Bounds struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// FrameBounds returns the rectangle a frame occupies at its current position.
func FrameBounds(frame Frame) Bounds {
	return Bounds{
		X:      frame.Position.X,
		Y:      frame.Position.Y,
		Width:  DefaultFrameWidth,
		Height: DefaultFrameHeight,
	}
}

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// LinkPoints derives the two endpoints of a link between frames.
// The frame whose center lies further left is treated as the visual left side
// regardless of link direction; points are returned in from, to order.
func LinkPoints(from Frame, to Frame) []Point {
	fromBounds := FrameBounds(from)
	toBounds := FrameBounds(to)
	fromCenter := fromBounds.Center()
	toCenter := toBounds.Center()

	fromIsLeft := fromCenter.X < toCenter.X
	fromX := fromBounds.X
	toX := toBounds.X + toBounds.Width
	if fromIsLeft {
		fromX = fromBounds.X + fromBounds.Width
		toX = toBounds.X
	}

	return []Point{
		{X: fromX, Y: fromCenter.Y},
		{X: toX, Y: toCenter.Y},
	}
}

func samePoints(left []Point, right []Point) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
