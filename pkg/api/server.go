package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/service"
	"github.com/trailbound/kapp/pkg/types"
)

// maxBodyBytes caps request bodies; knowledge asset payloads are small
const maxBodyBytes = 10 << 20

// Server exposes the publishing pipeline over HTTP
type Server struct {
	svc  *service.Service
	http *http.Server
}

// NewServer creates the HTTP API server around an assembled pipeline
func NewServer(svc *service.Service, addr string) *Server {
	s := &Server{svc: svc}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/v1/assets", s.handleRegister).Methods("POST")
	r.HandleFunc("/v1/assets", s.handleList).Methods("GET")
	r.HandleFunc("/v1/assets/retry-failed", s.handleRetryFailed).Methods("POST")
	r.HandleFunc("/v1/assets/{id:[0-9]+}", s.handleGet).Methods("GET")

	r.HandleFunc("/v1/queue/stats", s.handleQueueStats).Methods("GET")
	r.HandleFunc("/v1/queue/pause", s.handlePause).Methods("POST")
	r.HandleFunc("/v1/queue/resume", s.handleResume).Methods("POST")
	r.HandleFunc("/v1/queue/clear-completed", s.handleClearCompleted).Methods("POST")
	r.HandleFunc("/v1/queue/clear-failed", s.handleClearFailed).Methods("POST")
	r.HandleFunc("/v1/queue/retry-failed", s.handleRetryFailedJobs).Methods("POST")
	r.PathPrefix("/v1/queue/dashboard").Handler(
		http.StripPrefix("/v1/queue/dashboard", s.svc.Jobs.Dashboard()))

	r.HandleFunc("/v1/wallets/stats", s.handleWalletStats).Methods("GET")
	r.HandleFunc("/v1/wallets/import", s.handleWalletImport).Methods("POST")
	r.HandleFunc("/v1/wallets/unlock-stuck", s.handleWalletUnlock).Methods("POST")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/healthz", metrics.HealthHandler()).Methods("GET")
	r.HandleFunc("/readyz", metrics.ReadyHandler()).Methods("GET")
	r.HandleFunc("/livez", metrics.LivenessHandler()).Methods("GET")

	return r
}

// Start serves until Stop or a listener error
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.http.Addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// statusRecorder captures the response code for the request metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		method := req.Method + " " + route
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	var input types.RegisterInput
	if err := decodeJSON(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	asset, err := s.svc.Register(req.Context(), &input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid asset id"))
		return
	}

	status, err := s.svc.GetStatus(req.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, req *http.Request) {
	source := req.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("source query parameter is required"))
		return
	}

	opts := assetstore.ListOptions{
		Status: types.AssetStatus(req.URL.Query().Get("status")),
	}
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit"))
			return
		}
		opts.Limit = n
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid offset"))
			return
		}
		opts.Offset = n
	}

	assets, err := s.svc.ListBySource(req.Context(), source, opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if assets == nil {
		assets = []*types.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, req *http.Request) {
	var filter assetstore.RetryFilter
	if req.ContentLength != 0 {
		if err := decodeJSON(req, &filter); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	n, err := s.svc.RetryFailed(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.svc.QueueStats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, req *http.Request) {
	if err := s.svc.PauseQueue(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, req *http.Request) {
	if err := s.svc.ResumeQueue(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, req *http.Request) {
	n, err := s.svc.ClearCompletedJobs(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, req *http.Request) {
	n, err := s.svc.ClearFailedJobs(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleRetryFailedJobs(w http.ResponseWriter, req *http.Request) {
	n, err := s.svc.RetryFailedJobs(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleWalletStats(w http.ResponseWriter, req *http.Request) {
	stats, err := s.svc.WalletStats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWalletImport(w http.ResponseWriter, req *http.Request) {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	defer body.Close()

	added, skipped, err := s.svc.ImportWallets(req.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added, "skipped": skipped})
}

func (s *Server) handleWalletUnlock(w http.ResponseWriter, req *http.Request) {
	freed, err := s.svc.UnlockStuckWallets(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unlocked": freed})
}

func decodeJSON(req *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
