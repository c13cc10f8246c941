package detect

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/pkg/types"
)

const (
	// Frames are downscaled to this width before scanning. Keeps detection
	// cost independent of the client's camera resolution.
	workingWidth = 160

	// Minimum fraction of the frame the face box must cover. Below this the
	// region is treated as noise, not a face.
	minAreaFraction = 0.02

	// Minimum fraction of skin-classified pixels inside the candidate box.
	minFillFraction = 0.35
)

// HeuristicDetector is the default pure-Go face detector. It classifies
// skin-tone pixels on a downscaled copy of the frame and takes their bounding
// box as the face region. Crude next to a real landmark detector, but it has
// no cgo or model-artifact requirements and is deterministic, which the tests
// rely on.
type HeuristicDetector struct{}

// NewHeuristic returns the default detector
func NewHeuristic() *HeuristicDetector {
	return &HeuristicDetector{}
}

// Detect implements Detector
func (d *HeuristicDetector) Detect(img image.Image) (*types.Face, bool) {
	src := img.Bounds()
	if src.Dx() == 0 || src.Dy() == 0 {
		return nil, false
	}

	// Downscale preserving aspect ratio.
	scale := float64(workingWidth) / float64(src.Dx())
	if scale > 1 {
		scale = 1
	}
	w := int(float64(src.Dx()) * scale)
	h := int(float64(src.Dy()) * scale)
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, src, draw.Src, nil)

	minX, minY := w, h
	maxX, maxY := -1, -1
	skin := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := small.PixOffset(x, y)
			if isSkin(small.Pix[i], small.Pix[i+1], small.Pix[i+2]) {
				skin++
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	if maxX < 0 {
		return nil, false
	}

	boxW := maxX - minX + 1
	boxH := maxY - minY + 1
	boxArea := float64(boxW * boxH)
	if boxArea/float64(w*h) < minAreaFraction {
		logger.Debug("Detector", "candidate region too small (%dx%d in %dx%d)", boxW, boxH, w, h)
		return nil, false
	}
	if float64(skin)/boxArea < minFillFraction {
		logger.Debug("Detector", "candidate region too sparse (%d skin pixels in %dx%d)", skin, boxW, boxH)
		return nil, false
	}

	// Map the box back to source coordinates.
	pos := types.Position{
		X: src.Min.X + int(float64(minX)/scale),
		Y: src.Min.Y + int(float64(minY)/scale),
		W: int(float64(boxW) / scale),
		H: int(float64(boxH) / scale),
	}
	return &types.Face{Image: Crop(img, pos), Bounds: pos}, true
}

// isSkin is the classic RGB skin-tone rule (Kovac et al.)
func isSkin(r, g, b uint8) bool {
	if r <= 95 || g <= 40 || b <= 20 {
		return false
	}
	if r <= g || r <= b {
		return false
	}
	maxC := max(r, g, b)
	minC := min(r, g, b)
	if maxC-minC <= 15 {
		return false
	}
	return int(r)-int(g) > 15
}

// Crop extracts the given region from img into a standalone RGBA image
func Crop(img image.Image, pos types.Position) *image.RGBA {
	rect := image.Rect(pos.X, pos.Y, pos.X+pos.W, pos.Y+pos.H).Intersect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}
