package inference

import (
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PostprocessConfig controls how raw model output becomes candidates.
type PostprocessConfig struct {
	// InputSize is the model input edge in pixels.
	InputSize int
	// Classes is the number of class scores per anchor.
	Classes int
	// CandidateThreshold drops anchors whose best class score is lower.
	CandidateThreshold float32
	// NMSThreshold suppresses same-class boxes overlapping more than this IoU.
	NMSThreshold float32
	// MaxDetections caps the output, 0 for no cap.
	MaxDetections int
}

// Anchors returns the number of prediction anchors of a YOLOv8 head for a
// square input: one per cell of the stride 8, 16 and 32 grids.
func Anchors(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		cells := inputSize / stride
		n += cells * cells
	}
	return n
}

// DecodeOutput turns a [4+classes, anchors] output into candidates scaled to
// a width x height frame.
//
// Arguments:
//   - output: The flattened model output. It is not modified.
//   - cfg: The postprocess configuration.
//   - width: The frame width.
//   - height: The frame height.
//
// Returns:
//   - []Candidate: The candidates in anchor order.
//   - error: An error if the output does not have the expected shape.
func DecodeOutput(output []float32, cfg PostprocessConfig, width, height int) ([]Candidate, error) {
	anchors := Anchors(cfg.InputSize)
	rows := 4 + cfg.Classes
	if len(output) != rows*anchors {
		return nil, errors.Errorf("output has %d values, want %dx%d", len(output), rows, anchors)
	}

	// Transposing to [anchors, rows] puts each anchor's values side by side.
	view := tensor.New(
		tensor.WithShape(rows, anchors),
		tensor.WithBacking(append([]float32(nil), output...)),
	)
	if err := view.T(); err != nil {
		return nil, errors.Wrap(err, "transpose output")
	}
	if err := view.Transpose(); err != nil {
		return nil, errors.Wrap(err, "transpose output")
	}
	data, ok := view.Data().([]float32)
	if !ok {
		return nil, errors.New("output is not float32")
	}

	sx := float32(width) / float32(cfg.InputSize)
	sy := float32(height) / float32(cfg.InputSize)

	var out []Candidate
	for a := 0; a < anchors; a++ {
		row := data[a*rows : (a+1)*rows]

		classID, score := 0, float32(-1)
		for c, s := range row[4:] {
			if s > score {
				classID, score = c, s
			}
		}
		if score < cfg.CandidateThreshold {
			continue
		}

		xc, yc, w, h := row[0], row[1], row[2], row[3]
		cand := Candidate{
			ClassID:    classID,
			Confidence: score,
			X1:         (xc - w/2) * sx,
			Y1:         (yc - h/2) * sy,
			X2:         (xc + w/2) * sx,
			Y2:         (yc + h/2) * sy,
		}
		cand.Clamp(width, height)
		out = append(out, cand)
	}
	return out, nil
}

// ApplyGreedyNMS keeps the highest scoring box of every overlapping
// same-class group.
//
// Arguments:
//   - candidates: The candidates in any order. The slice is reordered.
//   - iouThreshold: IoU above which a lower scoring box is suppressed.
//   - maxDetections: Cap on the result, 0 for no cap.
//
// Returns:
//   - []Candidate: The kept candidates by descending confidence.
func ApplyGreedyNMS(candidates []Candidate, iouThreshold float32, maxDetections int) []Candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]Candidate, 0, n)
	used := make([]bool, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := &candidates[i]
		kept = append(kept, *anchor)
		if maxDetections > 0 && len(kept) == maxDetections {
			break
		}

		for j := i + 1; j < n; j++ {
			if used[j] || candidates[j].ClassID != anchor.ClassID {
				continue
			}
			if anchor.IOU(&candidates[j]) > iouThreshold {
				used[j] = true
			}
		}
	}
	return kept
}
