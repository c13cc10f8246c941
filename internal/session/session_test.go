package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"

	"github.com/drowsylab/inference-server/internal/detect"
	"github.com/drowsylab/inference-server/internal/modelcache"
	"github.com/drowsylab/inference-server/internal/pipeline"
	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/pkg/types"
)

// captureWriter records every outbound message as a decoded JSON map
type captureWriter struct {
	messages []map[string]any
}

func (w *captureWriter) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	w.messages = append(w.messages, m)
	return nil
}

type stubModel struct {
	prediction types.Prediction
	calls      *atomic.Int32
}

func (m stubModel) Predict(*types.Face) (types.Prediction, error) {
	m.calls.Add(1)
	return m.prediction, nil
}

type harness struct {
	writer        *captureWriter
	session       *Session
	constructions *atomic.Int32
	invocations   *atomic.Int32
}

func newHarness(t *testing.T, channel string) *harness {
	t.Helper()
	h := &harness{
		writer:        &captureWriter{},
		constructions: &atomic.Int32{},
		invocations:   &atomic.Int32{},
	}

	reg, err := registry.New(
		registry.Architecture{ID: "m1", Canonical: "Model One", New: func() (registry.Model, error) {
			h.constructions.Add(1)
			return stubModel{prediction: types.Prediction{Label: types.Drowsy, Confidence: 0.85}, calls: h.invocations}, nil
		}},
		registry.Architecture{ID: "m2", Canonical: "Model Two", New: func() (registry.Model, error) {
			return stubModel{prediction: types.Prediction{Label: types.Alert, Confidence: 0.6}, calls: &atomic.Int32{}}, nil
		}},
	)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}

	detector := detect.Func(func(img image.Image) (*types.Face, bool) {
		return &types.Face{Image: img, Bounds: types.Position{X: 5, Y: 6, W: 20, H: 20}}, true
	})

	sess, err := New(Config{
		Channel:      channel,
		Validator:    pipeline.NewValidator(detector),
		Orchestrator: pipeline.NewOrchestrator(reg, modelcache.New(reg)),
		Writer:       h.writer,
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	h.session = sess
	return h
}

func frame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 140, B: 110, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func message(t *testing.T, archA, archB, mode string) []byte {
	t.Helper()
	raw, err := json.Marshal(pipeline.IncomingRequest{
		Image:         frame(t),
		ArchitectureA: archA,
		ArchitectureB: archB,
		Mode:          mode,
	})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return raw
}

func assertPair(t *testing.T, msgs []map[string]any, wantStatus string) {
	t.Helper()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want result+done pair", len(msgs))
	}
	if msgs[0]["status"] != wantStatus {
		t.Errorf("result status = %v, want %q", msgs[0]["status"], wantStatus)
	}
	if msgs[1]["status"] != "done" {
		t.Errorf("second message status = %v, want done", msgs[1]["status"])
	}
	if msgs[1]["message"] != DoneMessage {
		t.Errorf("done message = %v", msgs[1]["message"])
	}
}

func TestOpenAssignsChannelID(t *testing.T) {
	h := newHarness(t, "")
	if h.session.State() != StateOpen {
		t.Fatalf("initial state = %s", h.session.State())
	}
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if h.session.ID() == "" {
		t.Error("no channel id generated")
	}
	if h.session.State() != StateReady {
		t.Errorf("state after Open = %s", h.session.State())
	}
	if err := h.session.Open(); err == nil {
		t.Error("second Open accepted")
	}
}

func TestOpenKeepsPreassignedID(t *testing.T) {
	h := newHarness(t, "chan-42")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := h.session.ID(); got != "chan-42" {
		t.Errorf("ID() = %q, want chan-42", got)
	}
}

func TestMalformedMessageNeverTouchesModels(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := h.session.HandleMessage([]byte(`{"architecture_a":"m1"}`)); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	assertPair(t, h.writer.messages, "error")
	if _, hasData := h.writer.messages[0]["data"]; hasData {
		t.Error("error response carries data")
	}
	if h.constructions.Load() != 0 {
		t.Error("model constructed for malformed message")
	}
	if h.session.State() != StateReady {
		t.Errorf("state after error = %s", h.session.State())
	}
}

func TestNormalModeDuplicatesVerdict(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := h.session.HandleMessage(message(t, "m1", "", "normal")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	assertPair(t, h.writer.messages, "success")

	data, ok := h.writer.messages[0]["data"].(map[string]any)
	if !ok {
		t.Fatalf("no data object in %v", h.writer.messages[0])
	}
	a, _ := data["architecture_a"].(map[string]any)
	b, _ := data["architecture_b"].(map[string]any)
	if a == nil || b == nil {
		t.Fatalf("missing verdicts in %v", data)
	}
	if a["detection"] != b["detection"] || a["confidence"] != b["confidence"] {
		t.Errorf("architecture_b verdict differs from architecture_a: %v vs %v", a, b)
	}
	if a["canonical_name"] != "Model One" || a["name"] != "m1" {
		t.Errorf("verdict A = %v", a)
	}
	if a["detection"] != "drowsy" {
		t.Errorf("detection = %v, want drowsy", a["detection"])
	}
	if got := h.invocations.Load(); got != 1 {
		t.Errorf("model invoked %d times in normal mode, want 1", got)
	}

	pos, _ := data["position"].(map[string]any)
	if pos == nil || pos["x"] != float64(5) || pos["y"] != float64(6) {
		t.Errorf("position = %v", pos)
	}
}

func TestCompareModeRunsBothModels(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := h.session.HandleMessage(message(t, "m1", "m2", "compare")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	assertPair(t, h.writer.messages, "success")

	data := h.writer.messages[0]["data"].(map[string]any)
	a := data["architecture_a"].(map[string]any)
	b := data["architecture_b"].(map[string]any)
	if a["canonical_name"] != "Model One" || b["canonical_name"] != "Model Two" {
		t.Errorf("canonical names = %v, %v", a["canonical_name"], b["canonical_name"])
	}
	if a["detection"] == b["detection"] {
		t.Error("stub models should disagree in compare mode")
	}
}

func TestUnknownArchitectureReportsError(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := h.session.HandleMessage(message(t, "missing_id", "", "normal")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	assertPair(t, h.writer.messages, "error")
}

func TestRepeatedMessagesAreIndependent(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.session.HandleMessage(message(t, "m1", "", "normal")); err != nil {
			t.Fatalf("HandleMessage %d failed: %v", i, err)
		}
		if h.session.State() != StateReady {
			t.Fatalf("state after message %d = %s", i, h.session.State())
		}
	}

	if len(h.writer.messages) != 4 {
		t.Fatalf("got %d messages, want two success/done pairs", len(h.writer.messages))
	}
	assertPair(t, h.writer.messages[:2], "success")
	assertPair(t, h.writer.messages[2:], "success")
	if got := h.constructions.Load(); got != 1 {
		t.Errorf("model constructed %d times across messages, want 1", got)
	}
}

func TestNoFaceNeverTouchesModels(t *testing.T) {
	h := newHarness(t, "")

	reg, err := registry.New(registry.Architecture{
		ID: "m1", Canonical: "Model One", New: func() (registry.Model, error) {
			h.constructions.Add(1)
			return stubModel{calls: h.invocations}, nil
		},
	})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	noFace := detect.Func(func(image.Image) (*types.Face, bool) { return nil, false })
	sess, err := New(Config{
		Validator:    pipeline.NewValidator(noFace),
		Orchestrator: pipeline.NewOrchestrator(reg, modelcache.New(reg)),
		Writer:       h.writer,
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	if err := sess.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := sess.HandleMessage(message(t, "m1", "", "normal")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	assertPair(t, h.writer.messages, "error")
	if h.constructions.Load() != 0 || h.invocations.Load() != 0 {
		t.Error("model touched for a frame with no detectable face")
	}
}

func TestMessageRejectedOutsideReady(t *testing.T) {
	h := newHarness(t, "")
	if err := h.session.HandleMessage(message(t, "m1", "", "normal")); err == nil {
		t.Error("HandleMessage accepted before Open")
	}

	if err := h.session.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h.session.Close()
	if h.session.State() != StateClosed {
		t.Fatalf("state after Close = %s", h.session.State())
	}
	if err := h.session.HandleMessage(message(t, "m1", "", "normal")); err == nil {
		t.Error("HandleMessage accepted after Close")
	}

	// Close is legal from any state, repeated included.
	h.session.Close()
}
