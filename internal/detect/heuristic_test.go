package detect

import (
	"image"
	"image/color"
	"testing"

	"github.com/drowsylab/inference-server/pkg/types"
)

func fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

var skinTone = color.RGBA{R: 200, G: 140, B: 110, A: 255}

func TestDetectFindsSkinRegion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	fill(img, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	// Face-like block in the upper middle of the frame.
	for y := 40; y < 160; y++ {
		for x := 100; x < 200; x++ {
			img.Set(x, y, skinTone)
		}
	}

	d := NewHeuristic()
	face, ok := d.Detect(img)
	if !ok {
		t.Fatal("Detect found no face in skin-region frame")
	}
	if face.Image == nil {
		t.Fatal("no crop produced")
	}

	p := face.Bounds
	if p.X < 90 || p.X > 110 || p.Y < 30 || p.Y > 50 {
		t.Errorf("position origin = (%d,%d), want near (100,40)", p.X, p.Y)
	}
	if p.W < 85 || p.W > 115 || p.H < 105 || p.H > 135 {
		t.Errorf("position size = %dx%d, want near 100x120", p.W, p.H)
	}
	cb := face.Image.Bounds()
	if cb.Dx() == 0 || cb.Dy() == 0 {
		t.Error("empty crop")
	}
}

func TestDetectRejectsBlankFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	fill(img, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	if _, ok := NewHeuristic().Detect(img); ok {
		t.Error("Detect found a face in a black frame")
	}
}

func TestDetectRejectsTinyRegion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	fill(img, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	// A few scattered skin pixels are noise, not a face.
	img.Set(12, 12, skinTone)
	img.Set(13, 12, skinTone)

	if _, ok := NewHeuristic().Detect(img); ok {
		t.Error("Detect promoted a tiny region to a face")
	}
}

func TestDetectEmptyImage(t *testing.T) {
	if _, ok := NewHeuristic().Detect(image.NewRGBA(image.Rect(0, 0, 0, 0))); ok {
		t.Error("Detect succeeded on an empty image")
	}
}

func TestCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	fill(img, skinTone)

	crop := Crop(img, types.Position{X: 10, Y: 20, W: 30, H: 40})
	if crop.Bounds().Dx() != 30 || crop.Bounds().Dy() != 40 {
		t.Errorf("crop size = %dx%d, want 30x40", crop.Bounds().Dx(), crop.Bounds().Dy())
	}

	// Out-of-range regions are clipped to the source.
	clipped := Crop(img, types.Position{X: 90, Y: 90, W: 50, H: 50})
	if clipped.Bounds().Dx() != 10 || clipped.Bounds().Dy() != 10 {
		t.Errorf("clipped crop size = %dx%d, want 10x10", clipped.Bounds().Dx(), clipped.Bounds().Dy())
	}
}
