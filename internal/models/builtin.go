// Package models provides the built-in classification architectures so the
// server runs end to end without external model artifacts. Each architecture
// scores eye openness over the face crop; the two differ in the band they
// inspect and how they weight contrast, so compare mode can genuinely
// disagree.
package models

import (
	"errors"
	"math"

	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/pkg/types"
)

// Architectures returns the default catalog entries
func Architectures() []registry.Architecture {
	return []registry.Architecture{
		{ID: "cnn", Canonical: "Stacked CNN", New: NewStackedCNN},
		{ID: "hybrid", Canonical: "CNN-LSTM Hybrid", New: NewHybrid},
	}
}

var errEmptyFace = errors.New("empty face crop")

// eyeBandStats returns the dark-pixel fraction and luminance spread inside
// the horizontal band [top, bottom) of the face crop, expressed as fractions
// of the crop height. Open eyes put dark pupils and lash shadow into the
// band; closed lids flatten both signals.
func eyeBandStats(face *types.Face, top, bottom float64) (darkFrac, spread float64, err error) {
	if face == nil || face.Image == nil {
		return 0, 0, errEmptyFace
	}
	b := face.Image.Bounds()
	if b.Dx() < 8 || b.Dy() < 8 {
		return 0, 0, errEmptyFace
	}

	y0 := b.Min.Y + int(float64(b.Dy())*top)
	y1 := b.Min.Y + int(float64(b.Dy())*bottom)

	var sum, sumSq float64
	dark, total := 0, 0
	for y := y0; y < y1; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := face.Image.At(x, y).RGBA()
			// ITU-R BT.601 luma on 8-bit range.
			luma := (0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8))
			if luma < 60 {
				dark++
			}
			sum += luma
			sumSq += luma * luma
			total++
		}
	}
	if total == 0 {
		return 0, 0, errEmptyFace
	}

	mean := sum / float64(total)
	variance := sumSq/float64(total) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return float64(dark) / float64(total), math.Sqrt(variance) / 255, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

type stackedCNN struct {
	threshold float64
	gain      float64
}

// NewStackedCNN constructs the "cnn" architecture
func NewStackedCNN() (registry.Model, error) {
	return &stackedCNN{threshold: 0.035, gain: 12}, nil
}

func (m *stackedCNN) Predict(face *types.Face) (types.Prediction, error) {
	darkFrac, _, err := eyeBandStats(face, 0.20, 0.45)
	if err != nil {
		return types.Prediction{}, err
	}

	label := types.Alert
	if darkFrac < m.threshold {
		label = types.Drowsy
	}
	confidence := clamp01(0.5 + math.Abs(darkFrac-m.threshold)*m.gain)
	return types.Prediction{Label: label, Confidence: confidence}, nil
}

type hybrid struct {
	threshold float64
	gain      float64
}

// NewHybrid constructs the "hybrid" architecture. It blends the dark-pixel
// signal with band contrast, so it reads a slightly wider band and weighs
// evidence differently than the stacked CNN.
func NewHybrid() (registry.Model, error) {
	return &hybrid{threshold: 0.055, gain: 8}, nil
}

func (m *hybrid) Predict(face *types.Face) (types.Prediction, error) {
	darkFrac, spread, err := eyeBandStats(face, 0.15, 0.50)
	if err != nil {
		return types.Prediction{}, err
	}

	score := 0.7*darkFrac + 0.3*spread
	label := types.Alert
	if score < m.threshold {
		label = types.Drowsy
	}
	confidence := clamp01(0.5 + math.Abs(score-m.threshold)*m.gain)
	return types.Prediction{Label: label, Confidence: confidence}, nil
}
