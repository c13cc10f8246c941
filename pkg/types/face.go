package types

import "image"

// Label is the classification outcome for a face crop
type Label int

const (
	Drowsy Label = iota
	Alert
)

// String returns the wire representation of the label
func (l Label) String() string {
	if l == Drowsy {
		return "drowsy"
	}
	return "alert"
}

// Prediction is the raw output of one model invocation. Confidence is in
// [0,1] and is passed through to the client unmodified.
type Prediction struct {
	Label      Label
	Confidence float64
}

// Position locates a detected face inside the original frame
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Face is a cropped face image ready for classification
type Face struct {
	Image  image.Image
	Bounds Position
}
