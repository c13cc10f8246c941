package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/drowsylab/inference-server/internal/detect"
	"github.com/drowsylab/inference-server/internal/emitter"
	"github.com/drowsylab/inference-server/internal/httpapi"
	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/internal/metrics"
	"github.com/drowsylab/inference-server/internal/modelcache"
	"github.com/drowsylab/inference-server/internal/models"
	"github.com/drowsylab/inference-server/internal/registry"
	"github.com/drowsylab/inference-server/internal/session"
)

var (
	// Command-line flags
	httpAddr    = flag.String("http", ":8889", "API server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr   = flag.String("pprof", ":6060", "pprof server address")
	origin      = flag.String("origin", "*", "Access-Control-Allow-Origin value")
	preload     = flag.Bool("preload", true, "Construct all registered models at startup instead of on first request")
	memoize     = flag.Bool("memoize", true, "Cache constructed models (disable to construct per request)")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL for verdict fanout (empty disables)")
	mqttTopic   = flag.String("mqtt-topic", "drowsiness/verdicts", "MQTT topic for verdict fanout")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Drowsiness inference server starting...")
	logger.Info("Main", "Log level: %s", level)

	reg, err := registry.New(models.Architectures()...)
	if err != nil {
		log.Fatalf("Failed to build architecture registry: %v", err)
	}
	logger.Info("Main", "Registered architectures: %v", reg.IDs())

	m := metrics.New()

	var cache *modelcache.Cache
	if *memoize {
		cache = modelcache.New(reg)
		if *preload {
			// Warm the cache so the first request does not pay construction
			// latency. Failures are sticky; start anyway and let per-request
			// errors surface them.
			if err := cache.Preload(reg.IDs()); err != nil {
				logger.Error("Main", "Model preload: %v", err)
			}
			m.ModelsLoaded.Store(uint64(cache.Len()))
			logger.Info("Main", "Preloaded %d/%d models", cache.Len(), reg.Len())
		}
	} else {
		logger.Warn("Main", "Memoization disabled; models will be constructed per request")
	}

	var sink session.Sink
	if *mqttBroker != "" {
		em := emitter.NewMQTT(emitter.Config{
			Broker:   *mqttBroker,
			ClientID: "drowsiness-server-" + uuid.New().String(),
			Topic:    *mqttTopic,
		})
		if err := em.Connect(); err != nil {
			logger.Error("Main", "MQTT emitter disabled: %v", err)
		} else {
			sink = em
			defer em.Close()
		}
	}

	api := httpapi.NewServer(httpapi.Config{
		Addr:          *httpAddr,
		AllowedOrigin: *origin,
	}, reg, cache, detect.NewHeuristic(), m, sink)

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.Handler(),
	}

	// Start pprof server
	go func() {
		logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
		if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server error: %v", err)
		}
	}()

	// Start metrics server
	go func() {
		logger.Info("Main", "Starting metrics server on %s", *metricsAddr)
		if err := m.StartServer(*metricsAddr); err != nil {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	// Start API server
	go func() {
		logger.Info("Main", "Listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}
