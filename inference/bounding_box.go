package inference

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-detbus/detection"
)

// Candidate is one decoded model prediction in frame pixels.
type Candidate struct {
	ClassID        int
	Confidence     float32
	X1, Y1, X2, Y2 float32
}

// Area returns the box area, zero for degenerate boxes.
func (c *Candidate) Area() float32 {
	return math32.Max(0, c.X2-c.X1) * math32.Max(0, c.Y2-c.Y1)
}

// IOU returns the intersection over union of two boxes.
func (c *Candidate) IOU(other *Candidate) float32 {
	w := math32.Min(c.X2, other.X2) - math32.Max(c.X1, other.X1)
	h := math32.Min(c.Y2, other.Y2) - math32.Max(c.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := c.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clamp limits the box to a width x height frame.
func (c *Candidate) Clamp(width, height int) {
	w, h := float32(width), float32(height)
	c.X1 = math32.Min(math32.Max(c.X1, 0), w)
	c.Y1 = math32.Min(math32.Max(c.Y1, 0), h)
	c.X2 = math32.Min(math32.Max(c.X2, 0), w)
	c.Y2 = math32.Min(math32.Max(c.Y2, 0), h)
}

// Raw converts to a detector output. Corners are truncated toward zero.
func (c *Candidate) Raw() detection.Raw {
	return detection.Raw{
		Box: detection.BoundingBox{
			X1: int(c.X1),
			Y1: int(c.Y1),
			X2: int(c.X2),
			Y2: int(c.Y2),
		},
		ClassID:    c.ClassID,
		Confidence: float64(c.Confidence),
	}
}

func (c *Candidate) String() string {
	return fmt.Sprintf("class %d (confidence %f): (%f, %f), (%f, %f)",
		c.ClassID, c.Confidence, c.X1, c.Y1, c.X2, c.Y2)
}
