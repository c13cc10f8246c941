// Package session implements the per-connection state machine that feeds
// inbound channel messages through validation and inference and emits the
// result/done message pair.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/internal/metrics"
	"github.com/drowsylab/inference-server/internal/pipeline"
	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/pkg/types"
)

// State is the session lifecycle position
type State int

const (
	StateOpen State = iota // connection accepted, no channel id yet
	StateReady
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Writer delivers outbound messages on the channel. *websocket.Conn
// satisfies it.
type Writer interface {
	WriteJSON(v any) error
}

// Sink receives successful verdict payloads for out-of-band fanout
// (e.g. MQTT). Optional.
type Sink interface {
	Publish(channelID string, payload any)
}

// DoneMessage is the completion note sent after every result, success or
// error. It tells the client the response stream for this request has ended.
const DoneMessage = "Hooray... Session done!"

// VerdictPayload is the wire shape of one architecture's verdict
type VerdictPayload struct {
	Name          string  `json:"name"`
	CanonicalName string  `json:"canonical_name"`
	Detection     string  `json:"detection"`
	Confidence    float64 `json:"confidence"`
}

// ResultData is the payload of a success response
type ResultData struct {
	ArchitectureA VerdictPayload `json:"architecture_a"`
	ArchitectureB VerdictPayload `json:"architecture_b"`
	Position      types.Position `json:"position"`
}

type resultResponse struct {
	Data   *ResultData `json:"data,omitempty"`
	Status string      `json:"status"`
}

type doneResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Config wires a session. Validator, Orchestrator and Writer are required;
// Channel may be empty to have Open assign a fresh id.
type Config struct {
	Channel      string
	Validator    *pipeline.Validator
	Orchestrator *pipeline.Orchestrator
	Writer       Writer
	Metrics      *metrics.Metrics
	Sink         Sink
}

// Session processes one channel's messages strictly in order, one at a time.
// It does not own the cache or registry; both are shared process-wide.
type Session struct {
	cfg Config
	id  string

	mu    sync.Mutex
	state State
}

// New creates a session in the open state
func New(cfg Config) (*Session, error) {
	if cfg.Validator == nil || cfg.Orchestrator == nil || cfg.Writer == nil {
		return nil, errors.New("session: validator, orchestrator and writer are required")
	}
	return &Session{cfg: cfg, state: StateOpen}, nil
}

// ID returns the channel id; empty until Open
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open assigns the channel id (generating one when none was pre-assigned)
// and moves the session to ready.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("session: open from %s", s.state)
	}
	s.id = s.cfg.Channel
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.state = StateReady
	logger.Debug("Session", "channel %s ready", s.id)
	return nil
}

// Close moves the session to closed from any state. Shared state (cache,
// registry) is untouched.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	logger.Debug("Session", "channel %s closed", s.id)
}

func (s *Session) beginProcessing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("session: message from %s", s.state)
	}
	s.state = StateProcessing
	return nil
}

func (s *Session) endProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateProcessing {
		s.state = StateReady
	}
}

// HandleMessage processes exactly one inbound message: it emits one result
// message (error or success) followed unconditionally by one done message,
// then returns the session to ready. Write failures are returned so the
// caller can tear the connection down.
func (s *Session) HandleMessage(raw []byte) error {
	if err := s.beginProcessing(); err != nil {
		return err
	}
	defer s.endProcessing()

	if m := s.cfg.Metrics; m != nil {
		m.MessagesReceived.Add(1)
	}

	result := s.process(raw)
	if err := s.cfg.Writer.WriteJSON(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	// The done message decouples "data available" from "no more data
	// coming"; it is sent after errors too.
	if err := s.cfg.Writer.WriteJSON(doneResponse{Status: "done", Message: DoneMessage}); err != nil {
		return fmt.Errorf("write done: %w", err)
	}

	if m := s.cfg.Metrics; m != nil {
		m.MessagesProcessed.Add(1)
	}
	return nil
}

func (s *Session) process(raw []byte) resultResponse {
	det := s.cfg.Validator.Process(raw)
	if !det.Valid {
		logger.Debug("Session", "channel %s: %s", s.id, det.Reason)
		if m := s.cfg.Metrics; m != nil {
			m.ValidationFailures.Add(1)
		}
		return resultResponse{Status: "error"}
	}

	start := time.Now()
	eval, err := s.cfg.Orchestrator.Evaluate(det)
	if m := s.cfg.Metrics; m != nil {
		m.UpdateInferenceLatency(time.Since(start))
	}
	if err != nil {
		s.logEvaluationFailure(det, err)
		return resultResponse{Status: "error"}
	}

	a := toPayload(eval.A)
	b := a // normal mode reuses verdict A for the second slot
	if eval.B != nil {
		b = toPayload(*eval.B)
	}

	data := &ResultData{
		ArchitectureA: a,
		ArchitectureB: b,
		Position:      det.Face.Bounds,
	}
	if s.cfg.Sink != nil {
		s.cfg.Sink.Publish(s.id, data)
	}
	return resultResponse{Status: "success", Data: data}
}

// logEvaluationFailure distinguishes catalog mismatches from everything else.
// An unknown architecture means the client and server disagree about the
// catalog, which is a configuration problem worth elevated logging.
func (s *Session) logEvaluationFailure(det pipeline.DetectionResult, err error) {
	if m := s.cfg.Metrics; m != nil {
		m.InferenceErrors.Add(1)
	}
	if errors.Is(err, registry.ErrUnknownArchitecture) {
		if m := s.cfg.Metrics; m != nil {
			m.UnknownArchitecture.Add(1)
		}
		logger.Warn("Session", "channel %s: catalog mismatch (a=%q b=%q): %v",
			s.id, det.Request.ArchitectureA, det.Request.ArchitectureB, err)
		return
	}
	logger.Error("Session", "channel %s: inference failed: %v", s.id, err)
}

func toPayload(v pipeline.Verdict) VerdictPayload {
	return VerdictPayload{
		Name:          v.ID,
		CanonicalName: v.Canonical,
		Detection:     v.Prediction.Label.String(),
		Confidence:    v.Prediction.Confidence,
	}
}
