// Package pipeline implements the per-message request processing: validation
// and face detection, then model dispatch and verdict assembly.
package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/jpeg" // register decoders for inbound frames
	_ "image/png"
	"strings"

	"github.com/drowsylab/inference-server/internal/detect"
	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/pkg/types"
)

// Request mode values as they appear on the wire
const (
	ModeNormal  = "normal"
	ModeCompare = "compare"
)

// IncomingRequest mirrors the inbound channel message shape
type IncomingRequest struct {
	Image         string `json:"image"`
	ArchitectureA string `json:"architecture_a"`
	ArchitectureB string `json:"architecture_b"`
	Mode          string `json:"mode"`
}

// Compare reports whether the request asks for a side-by-side run of two
// architectures. Anything other than an explicit compare mode is normal.
func (r *IncomingRequest) Compare() bool {
	return r.Mode == ModeCompare
}

// DetectionResult is the validator's output: either a usable face crop with
// its position, or Valid=false with a diagnostic reason that never reaches
// the client.
type DetectionResult struct {
	Request IncomingRequest
	Face    *types.Face
	Valid   bool
	Reason  string
}

// Validator decodes and validates inbound messages and runs face detection.
// The pipeline short-circuits: malformed structure never reaches the
// detector, and a failed detection is reported once, not retried.
type Validator struct {
	detector detect.Detector
}

// NewValidator returns a validator using the given detector
func NewValidator(d detect.Detector) *Validator {
	return &Validator{detector: d}
}

func invalid(req IncomingRequest, reason string) DetectionResult {
	return DetectionResult{Request: req, Valid: false, Reason: reason}
}

// Process runs the ordered validation pipeline over one raw message
func (v *Validator) Process(raw []byte) DetectionResult {
	var req IncomingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return invalid(req, "malformed request: "+err.Error())
	}
	if req.Image == "" {
		return invalid(req, "malformed request: missing image")
	}
	if req.ArchitectureA == "" {
		return invalid(req, "malformed request: missing architecture_a")
	}
	if req.Compare() && req.ArchitectureB == "" {
		return invalid(req, "malformed request: compare mode without architecture_b")
	}

	data, err := decodeImagePayload(req.Image)
	if err != nil {
		return invalid(req, "undecodable image payload: "+err.Error())
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return invalid(req, "unsupported image format: "+err.Error())
	}
	// Raw bytes stay out of the logs; size and format are enough to diagnose.
	logger.Debug("Validator", "decoded %s frame, %d bytes", format, len(data))

	face, ok := v.detector.Detect(img)
	if !ok || face == nil {
		return invalid(req, "no face detected")
	}

	return DetectionResult{Request: req, Face: face, Valid: true}
}

// decodeImagePayload accepts plain base64 as well as browser data URLs
// ("data:image/jpeg;base64,...").
func decodeImagePayload(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(payload)
}
