// Package zone maps a person's reference point to a named region of the frame.
//
// The frame is split by two margins: a vertical exit strip on each side and a
// horizontal exit strip at the bottom. Everything else is the inside of the vehicle.
//
//	+------+----------------------+------+
//	| left |        inside        | right|
//	| exit |                      | exit |
//	|      +----------------------+      |
//	|      |     bottom exit      |      |
//	+------+----------------------+------+
package zone

import "sync/atomic"

// Zone is the classification result for one point.
type Zone string

const (
	LeftExit   Zone = "left_exit"
	RightExit  Zone = "right_exit"
	BottomExit Zone = "bottom_exit"
	Inside     Zone = "inside"
	None       Zone = "none"
)

// IsExit reports whether z is one of the exit strips.
func (z Zone) IsExit() bool {
	return z == LeftExit || z == RightExit || z == BottomExit
}

// Point is a pixel position. Valid is false when the tracker could not place the person.
type Point struct {
	X, Y  float64
	Valid bool
}

// At returns a valid point.
func At(x, y float64) Point {
	return Point{X: x, Y: y, Valid: true}
}

// Margins is the zone configuration for one frame size.
type Margins struct {
	SideMargin   float64
	BottomMargin float64
	FrameWidth   float64
	FrameHeight  float64
}

// Classify returns the zone of p. It has no state: the result depends only on
// p and m. Unobserved points and points outside the frame are None.
func Classify(p Point, m Margins) Zone {
	if !p.Valid || (p.X <= 0 && p.Y <= 0) {
		return None
	}
	if p.X < 0 || p.Y < 0 || p.X >= m.FrameWidth || p.Y >= m.FrameHeight {
		return None
	}

	switch {
	case p.X < m.SideMargin:
		return LeftExit
	case p.X >= m.FrameWidth-m.SideMargin:
		return RightExit
	case p.Y >= m.FrameHeight-m.BottomMargin:
		return BottomExit
	default:
		return Inside
	}
}

// Live holds margins that may be replaced while frames are being classified.
// A replacement applies to the next Classify call; nothing is reclassified.
type Live struct {
	m atomic.Pointer[Margins]
}

// NewLive returns a holder with the initial margins.
func NewLive(m Margins) *Live {
	l := &Live{}
	l.Set(m)
	return l
}

// Set replaces the margins.
func (l *Live) Set(m Margins) {
	l.m.Store(&m)
}

// Margins returns the margins currently in effect.
func (l *Live) Margins() Margins {
	return *l.m.Load()
}

// Classify classifies p with the current margins.
func (l *Live) Classify(p Point) Zone {
	return Classify(p, l.Margins())
}
