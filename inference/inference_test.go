package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchors(t *testing.T) {
	assert.Equal(t, 8400, Anchors(640))
	assert.Equal(t, 84, Anchors(64))
}

// syntheticOutput builds a [4+classes, anchors] output for a 64 pixel input.
type syntheticOutput struct {
	classes int
	anchors int
	data    []float32
}

func newSyntheticOutput(classes int) *syntheticOutput {
	anchors := Anchors(64)
	return &syntheticOutput{
		classes: classes,
		anchors: anchors,
		data:    make([]float32, (4+classes)*anchors),
	}
}

func (s *syntheticOutput) set(anchor int, xc, yc, w, h float32, class int, score float32) {
	s.data[0*s.anchors+anchor] = xc
	s.data[1*s.anchors+anchor] = yc
	s.data[2*s.anchors+anchor] = w
	s.data[3*s.anchors+anchor] = h
	s.data[(4+class)*s.anchors+anchor] = score
}

func TestPostprocess(t *testing.T) {
	out := newSyntheticOutput(2)
	out.set(0, 20, 20, 16, 16, 1, 0.9)
	out.set(1, 21, 20, 16, 16, 1, 0.8) // overlaps anchor 0, same class
	out.set(2, 20, 20, 16, 16, 0, 0.7) // same box, other class
	out.set(3, 50, 50, 8, 8, 1, 0.1)   // below the candidate floor
	out.set(4, 60, 60, 10, 10, 0, 0.4) // runs off the frame edge

	original := append([]float32(nil), out.data...)

	cfg := PostprocessConfig{InputSize: 64, Classes: 2, CandidateThreshold: 0.25, NMSThreshold: 0.7}
	raws, err := Postprocess(out.data, cfg, 128, 128)
	require.NoError(t, err)
	assert.Equal(t, original, out.data)

	require.Len(t, raws, 3)
	assert.Equal(t, detection.Raw{
		Box:        detection.BoundingBox{X1: 24, Y1: 24, X2: 56, Y2: 56},
		ClassID:    1,
		Confidence: float64(float32(0.9)),
	}, raws[0])
	assert.Equal(t, 0, raws[1].ClassID)
	assert.InDelta(t, 0.7, raws[1].Confidence, 1e-6)
	assert.Equal(t, detection.BoundingBox{X1: 110, Y1: 110, X2: 128, Y2: 128}, raws[2].Box)
}

func TestPostprocessScalesNonSquareFrames(t *testing.T) {
	out := newSyntheticOutput(1)
	out.set(0, 32, 32, 10.5, 10.5, 0, 0.6)

	raws, err := Postprocess(out.data, PostprocessConfig{InputSize: 64, Classes: 1, CandidateThreshold: 0.25, NMSThreshold: 0.7}, 640, 480)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	// x: (32-5.25)*10 = 267.5, (32+5.25)*10 = 372.5; y: 26.75*7.5 = 200.625, 37.25*7.5 = 279.375
	assert.Equal(t, detection.BoundingBox{X1: 267, Y1: 200, X2: 372, Y2: 279}, raws[0].Box)
}

func TestDecodeOutputRejectsWrongShape(t *testing.T) {
	_, err := DecodeOutput(make([]float32, 10), PostprocessConfig{InputSize: 64, Classes: 2}, 64, 64)
	assert.Error(t, err)
}

func TestApplyGreedyNMS(t *testing.T) {
	cands := []Candidate{
		{ClassID: 0, Confidence: 0.5, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{ClassID: 0, Confidence: 0.9, X1: 1, Y1: 1, X2: 11, Y2: 11},
		{ClassID: 0, Confidence: 0.8, X1: 50, Y1: 50, X2: 60, Y2: 60},
		{ClassID: 0, Confidence: 0.7, X1: 0, Y1: 0, X2: 5, Y2: 5},
	}

	kept := ApplyGreedyNMS(cands, 0.5, 0)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, float32(0.8), kept[1].Confidence)
	assert.Equal(t, float32(0.7), kept[2].Confidence)

	assert.Len(t, ApplyGreedyNMS(cands, 0.5, 1), 1)
	assert.Nil(t, ApplyGreedyNMS(nil, 0.5, 0))
}

func TestCandidateIOU(t *testing.T) {
	a := Candidate{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := Candidate{X1: 5, Y1: 0, X2: 15, Y2: 10}
	c := Candidate{X1: 20, Y1: 20, X2: 30, Y2: 30}

	assert.InDelta(t, 1.0/3.0, a.IOU(&b), 1e-6)
	assert.Equal(t, float32(0), a.IOU(&c))
	assert.Equal(t, float32(1), a.IOU(&a))
}

func TestPrepareInput(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	dst := make([]float32, 3*8*8)
	require.NoError(t, PrepareInput(img, 8, dst))

	assert.InDelta(t, 1.0, dst[0], 1e-3)
	assert.InDelta(t, 0.0, dst[64], 1e-3)
	assert.InDelta(t, 0.2, dst[128], 1e-3)

	assert.Error(t, PrepareInput(img, 8, make([]float32, 10)))
}

func TestNewYOLORequiresModel(t *testing.T) {
	_, err := NewYOLO(YOLOConfig{}, nil)
	assert.Error(t, err)
}
