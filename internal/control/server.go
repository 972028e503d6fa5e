package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/repopulse/internal/batch"
	"github.com/vietddude/repopulse/internal/core/domain"
	"github.com/vietddude/repopulse/internal/infra/storage"
)

// Server provides the HTTP API, health and metrics endpoints.
type Server struct {
	svc    *Service
	server *http.Server
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(svc *Service, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		svc: svc,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("POST /api/batches", s.handleStartBatch)
	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("DELETE /api/batches", s.handleClearBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleBatchStatus)
	mux.HandleFunc("POST /api/batches/{id}/stop", s.handleStopBatch)
	mux.HandleFunc("POST /api/batches/{id}/retry-failed", s.handleRetryFailed)

	mux.HandleFunc("GET /api/tiers", s.handleTiers)
	mux.HandleFunc("GET /api/tiers/{tier}", s.handleTiers)
	mux.HandleFunc("POST /api/tiers/rebalance", s.handleRebalance)

	mux.HandleFunc("POST /api/scheduler/run", s.handleRunScan)
	mux.HandleFunc("POST /api/discovery/run", s.handleDiscover)
	mux.HandleFunc("GET /api/ratelimits", s.handleRateLimits)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type startBatchRequest struct {
	RepoIDs []string `json:"repo_ids"`
	batch.StartOptions
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
	}

	id, err := s.svc.StartBatch(r.Context(), req.RepoIDs, req.StartOptions)
	if errors.Is(err, batch.ErrBatchActive) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleClearBatches(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.BatchStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStopBatch(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.StopBatch(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.RetryFailed(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	var tier domain.Tier
	if raw := r.PathValue("tier"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !domain.Tier(n).Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tier %q", raw))
			return
		}
		tier = domain.Tier(n)
	}

	overview, err := s.svc.TierStatus(r.Context(), tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	moved, err := s.svc.Rebalance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (s *Server) handleRunScan(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.RunScan(r.Context())
	if errors.Is(err, ErrLocked) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	found, added, err := s.svc.Discover(r.Context())
	if errors.Is(err, ErrLocked) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"found": found, "added": added})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RateLimits())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
