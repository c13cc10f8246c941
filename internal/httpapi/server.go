// Package httpapi exposes the catalog query and the WebSocket channel over
// HTTP. Transport concerns end here; everything past the upgrade is the
// session state machine.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/drowsylab/inference-server/internal/detect"
	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/internal/metrics"
	"github.com/drowsylab/inference-server/internal/modelcache"
	"github.com/drowsylab/inference-server/internal/pipeline"
	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/internal/session"
)

// Config defines the runtime configuration for the API server
type Config struct {
	Addr          string
	AllowedOrigin string
	ReadLimit     int64 // max inbound message size in bytes
}

// DefaultConfig returns a config aligned with the original backend behavior
func DefaultConfig() Config {
	return Config{
		Addr:          ":8889",
		AllowedOrigin: "*",
		ReadLimit:     8 << 20,
	}
}

// Server wires the registry, cache and detector into HTTP handlers
type Server struct {
	cfg      Config
	registry *registry.Registry
	cache    *modelcache.Cache
	metrics  *metrics.Metrics
	sink     session.Sink

	validator    *pipeline.Validator
	orchestrator *pipeline.Orchestrator
	upgrader     websocket.Upgrader
}

// NewServer returns a configured API server. cache may be nil to run without
// memoization, sink may be nil to disable verdict fanout.
func NewServer(cfg Config, reg *registry.Registry, cache *modelcache.Cache, detector detect.Detector, m *metrics.Metrics, sink session.Sink) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = DefaultConfig().AllowedOrigin
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}

	return &Server{
		cfg:          cfg,
		registry:     reg,
		cache:        cache,
		metrics:      m,
		sink:         sink,
		validator:    pipeline.NewValidator(detector),
		orchestrator: pipeline.NewOrchestrator(reg, cache),
		upgrader: websocket.Upgrader{
			// The original backend accepts every origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.cors(s.handleCatalog))
	mux.HandleFunc("/ws", s.handleChannel)
	mux.HandleFunc("/ws/", s.handleChannel)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "x-requested-with")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// handleCatalog serves the id to canonical name mapping for the client-side
// model picker.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.registry.Catalog())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := 0
	if s.cache != nil {
		loaded = s.cache.Len()
	}
	active := uint64(0)
	if s.metrics != nil {
		active = s.metrics.ActiveChannels.Load()
	}
	writeJSON(w, map[string]any{
		"status":          "ok",
		"architectures":   s.registry.Len(),
		"models_loaded":   loaded,
		"active_channels": active,
		"memoization":     s.cache != nil,
	})
}

// handleChannel upgrades the connection and runs the session read loop. An
// optional pre-assigned channel id may be carried in the path (/ws/{id}).
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, "/ws")
	channelID = strings.Trim(channelID, "/")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTP", "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.ReadLimit)

	sess, err := session.New(session.Config{
		Channel:      channelID,
		Validator:    s.validator,
		Orchestrator: s.orchestrator,
		Writer:       conn,
		Metrics:      s.metrics,
		Sink:         s.sink,
	})
	if err != nil {
		logger.Error("HTTP", "session setup failed: %v", err)
		return
	}
	if err := sess.Open(); err != nil {
		logger.Error("HTTP", "session open failed: %v", err)
		return
	}
	defer sess.Close()

	if s.metrics != nil {
		s.metrics.ActiveChannels.Add(1)
		s.metrics.TotalChannels.Add(1)
		defer s.metrics.ActiveChannels.Add(^uint64(0))
	}
	logger.Info("HTTP", "channel %s connected from %s", sess.ID(), r.RemoteAddr)

	// One read loop per channel: messages are processed strictly in arrival
	// order, one at a time.
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("HTTP", "channel %s read error: %v", sess.ID(), err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := sess.HandleMessage(raw); err != nil {
			logger.Warn("HTTP", "channel %s: %v", sess.ID(), err)
			return
		}
		if s.metrics != nil && s.cache != nil {
			s.metrics.ModelsLoaded.Store(uint64(s.cache.Len()))
		}
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("HTTP", "encode response: %v", err)
	}
}
