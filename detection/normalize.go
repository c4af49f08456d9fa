package detection

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvalidBoxError is returned when a raw box has a non-positive width or height.
type InvalidBoxError struct {
	Box BoundingBox
}

func (e *InvalidBoxError) Error() string {
	return fmt.Sprintf("invalid bounding box %s", e.Box)
}

// UnknownClassError is returned when a class id has no label.
type UnknownClassError struct {
	ClassID int
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("no label for class id %d", e.ClassID)
}

// Filter keeps detections whose confidence reaches a fixed threshold.
type Filter struct {
	threshold float64
}

// NewFilter creates a filter for the given threshold.
//
// Arguments:
//   - threshold: The minimum confidence, in [0, 1].
//
// Returns:
//   - Filter: The filter.
//   - error: An error if the threshold is out of range.
func NewFilter(threshold float64) (Filter, error) {
	if threshold < 0 || threshold > 1 {
		return Filter{}, errors.Errorf("confidence threshold %v outside [0, 1]", threshold)
	}
	return Filter{threshold: threshold}, nil
}

// Threshold returns the configured minimum confidence.
func (f Filter) Threshold() float64 {
	return f.threshold
}

// Keep reports whether the detection passes the threshold.
func (f Filter) Keep(raw Raw) bool {
	return raw.Confidence >= f.threshold
}

// Normalizer converts raw corner boxes into center/size records.
type Normalizer struct {
	labels Labels
}

// NewNormalizer creates a normalizer resolving class ids through labels.
func NewNormalizer(labels Labels) *Normalizer {
	return &Normalizer{labels: labels}
}

// Normalize converts a kept raw detection into a record.
//
// Arguments:
//   - raw: The detection to convert.
//
// Returns:
//   - Record: The normalized record.
//   - error: *InvalidBoxError for degenerate boxes, *UnknownClassError for
//     unmapped class ids.
//
// @example
// n := NewNormalizer(YOLOLabels())
// rec, _ := n.Normalize(Raw{Box: BoundingBox{10, 20, 110, 220}, ClassID: 0, Confidence: 0.91})
// // rec == Record{Label: "person", Confidence: 0.91, CenterX: 60, CenterY: 120, Width: 100, Height: 200}
func (n *Normalizer) Normalize(raw Raw) (Record, error) {
	if !raw.Box.Valid() {
		return Record{}, &InvalidBoxError{Box: raw.Box}
	}
	label, ok := n.labels.Lookup(raw.ClassID)
	if !ok {
		return Record{}, &UnknownClassError{ClassID: raw.ClassID}
	}
	cx, cy := raw.Box.Center()
	return Record{
		Label:      label,
		Confidence: raw.Confidence,
		CenterX:    cx,
		CenterY:    cy,
		Width:      raw.Box.Width(),
		Height:     raw.Box.Height(),
	}, nil
}

// Assemble filters and normalizes one frame's detections into a batch.
// Detections that fail normalization are left out and reported in skipped;
// they never fail the frame.
//
// Arguments:
//   - raws: The detector output in detector order.
//   - filter: The confidence filter.
//   - normalizer: The normalizer.
//
// Returns:
//   - Batch: The records in detector order.
//   - []error: One error per skipped detection.
func Assemble(raws []Raw, filter Filter, normalizer *Normalizer) (Batch, []error) {
	var (
		batch   Batch
		skipped []error
	)
	for _, raw := range raws {
		if !filter.Keep(raw) {
			continue
		}
		rec, err := normalizer.Normalize(raw)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		batch = append(batch, rec)
	}
	return batch, skipped
}
