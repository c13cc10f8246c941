// Package detect supplies the face detectors consumed by the request
// pipeline. The detection algorithm itself is a pluggable collaborator; the
// pipeline only sees the Detector interface.
package detect

import (
	"image"

	"github.com/drowsylab/inference-server/pkg/types"
)

// Detector finds at most one usable face in a decoded frame. ok is false when
// no face was found; the frame is then terminal for that request.
type Detector interface {
	Detect(img image.Image) (face *types.Face, ok bool)
}

// Func adapts a plain function to the Detector interface
type Func func(img image.Image) (*types.Face, bool)

// Detect implements Detector
func (f Func) Detect(img image.Image) (*types.Face, bool) {
	return f(img)
}
