// Package detection - Detection records and batches exchanged on the bus.
package detection

import "fmt"

// DefaultThreshold is the minimum confidence a detection needs to enter a batch.
const DefaultThreshold = 0.5

// BoundingBox is a corner-coordinate box in integer pixels as produced by a
// detector. It never leaves the producer.
type BoundingBox struct {
	X1, Y1, X2, Y2 int
}

// Valid reports whether the box has a strictly positive width and height.
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() int {
	return b.X2 - b.X1
}

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() int {
	return b.Y2 - b.Y1
}

// Center returns the box center as top-left plus half the size, using
// integer division. For odd sizes the center sits half a pixel towards the
// top-left corner.
//
// Returns:
//   - The x and y center coordinates.
//
// @example
// box := BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 220}
// cx, cy := box.Center() // 60, 120
func (b BoundingBox) Center() (int, int) {
	return b.X1 + b.Width()/2, b.Y1 + b.Height()/2
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d, %d), (%d, %d)", b.X1, b.Y1, b.X2, b.Y2)
}

// Raw is a single candidate returned by a detector.
type Raw struct {
	Box        BoundingBox
	ClassID    int
	Confidence float64
}

// Record is the normalized unit transmitted on the bus.
type Record struct {
	// Label is the class name resolved from the detector's class table.
	Label string
	// Confidence is kept at full precision; codecs round it on the wire.
	Confidence float64
	// CenterX, CenterY are the box center in pixels.
	CenterX, CenterY int
	// Width, Height are the box extents in pixels, both > 0.
	Width, Height int
}

func (r Record) String() string {
	return fmt.Sprintf("[%s] x=%d y=%d w=%d h=%d conf=%.2f",
		r.Label, r.CenterX, r.CenterY, r.Width, r.Height, r.Confidence)
}

// Batch is the ordered set of records derived from one frame, in detector
// order. A batch is built once per cycle and is not modified afterwards.
type Batch []Record

// Empty reports whether the batch has no records.
func (b Batch) Empty() bool {
	return len(b) == 0
}
