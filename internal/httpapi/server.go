package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"worldrates/internal/ingest"
	"worldrates/internal/metrics"
	"worldrates/internal/model"
	"worldrates/internal/projection"
	"worldrates/internal/queue"
	"worldrates/internal/ratelimit"
)

// Catalog is the part of the record store the handlers read directly.
type Catalog interface {
	Countries() []model.Country
	Counts() map[model.SeriesID]int
	HasData() bool
}

type Config struct {
	ClientRatePerSec float64
	ClientBurst      int
}

var ErrShuttingDown = errors.New("httpapi: server is shutting down")

type Server struct {
	catalog   Catalog
	projector *projection.Projector
	runner    *ingest.Runner
	queue     *queue.Queue
	sources   *ratelimit.Registry
	clients   *clientLimiter
	log       *zap.Logger

	// base ends every cycle started by a request when Shutdown is called.
	base    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	closing bool
	cycles  sync.WaitGroup
}

// New wires the read API. sources may be nil.
func New(cfg Config, catalog Catalog, projector *projection.Projector, runner *ingest.Runner, q *queue.Queue, sources *ratelimit.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if q == nil {
		q = queue.New("api", queue.DefaultMaxConcurrent)
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		base:      base,
		stop:      stop,
		catalog:   catalog,
		projector: projector,
		runner:    runner,
		queue:     q,
		sources:   sources,
		clients:   newClientLimiter(cfg.ClientRatePerSec, cfg.ClientBurst),
		log:       log,
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.InstrumentHandler)
	router.Use(s.clients.middleware)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/countries", s.handleCountries).Methods(http.MethodGet)
	api.HandleFunc("/rates/history/{iso}/{series}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rates/{series}", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return router
}

// Shutdown cancels ingestion cycles started through the API and waits for
// them to return. New cycles are refused from then on.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startCycle registers a request-triggered cycle. The returned context is
// ctx bound to the server lifetime; end must be called when the cycle returns.
func (s *Server) startCycle(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, nil, ErrShuttingDown
	}
	s.cycles.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, cancel)
	end := func() {
		stop()
		cancel()
		s.cycles.Done()
	}
	return ctx, end, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
