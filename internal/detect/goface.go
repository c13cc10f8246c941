//go:build goface

package detect

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/Kagami/go-face"

	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/pkg/types"
)

// GoFaceDetector wraps the dlib-backed go-face recognizer. Requires cgo and
// the dlib shape/descriptor models on disk; build with the goface tag to
// enable it.
type GoFaceDetector struct {
	rec *face.Recognizer
}

// NewGoFace opens the dlib models in modelDir
func NewGoFace(modelDir string) (*GoFaceDetector, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, err
	}
	return &GoFaceDetector{rec: rec}, nil
}

// Close releases the dlib recognizer
func (d *GoFaceDetector) Close() {
	d.rec.Close()
}

// Detect implements Detector. When the frame contains several faces the
// largest one wins.
func (d *GoFaceDetector) Detect(img image.Image) (*types.Face, bool) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		logger.Warn("Detector", "jpeg re-encode failed: %v", err)
		return nil, false
	}

	faces, err := d.rec.Recognize(buf.Bytes())
	if err != nil {
		logger.Warn("Detector", "dlib recognize failed: %v", err)
		return nil, false
	}
	if len(faces) == 0 {
		return nil, false
	}

	best := faces[0].Rectangle
	for _, f := range faces[1:] {
		if f.Rectangle.Dx()*f.Rectangle.Dy() > best.Dx()*best.Dy() {
			best = f.Rectangle
		}
	}

	pos := types.Position{X: best.Min.X, Y: best.Min.Y, W: best.Dx(), H: best.Dy()}
	return &types.Face{Image: Crop(img, pos), Bounds: pos}, true
}
