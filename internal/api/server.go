// Package api is the HTTP gateway in front of the worker client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/workerlink/internal/journal"
	"github.com/ocx/workerlink/internal/transaction"
	"github.com/ocx/workerlink/internal/worker"
	"github.com/ocx/workerlink/pkg/sdk"
)

// History reads back settled transactions.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Server exposes the client over REST/JSON.
type Server struct {
	client   sdk.Client
	history  History
	gatherer prometheus.Gatherer
	timeout  time.Duration

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves /api/v1/transactions from h.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRequestTimeout bounds each call to the worker.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func NewServer(client sdk.Client, opts ...Option) *Server {
	s := &Server{
		client:   client,
		gatherer: prometheus.DefaultGatherer,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/deep-thought", s.handleDeepThought).Methods("POST", "OPTIONS")
	v1.HandleFunc("/transactions", s.handleTransactions).Methods("GET")

	return r
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("[Gateway] Listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("[Gateway] Request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.client.State()
	resp := sdk.HealthResponse{
		Status:  "ok",
		State:   state.String(),
		Pending: s.client.Pending(),
	}
	code := http.StatusOK
	if state != sdk.StateReady {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleDeepThought(w http.ResponseWriter, r *http.Request) {
	var req sdk.DeepThoughtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	answer, err := s.client.ExampleAskDeepThought(ctx, req.Question)
	if err != nil {
		slog.Warn("[Gateway] Deep thought failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sdk.DeepThoughtResponse{Answer: answer})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "transaction journal is not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		slog.Warn("[Gateway] Journal read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// statusFor maps a client error to an HTTP status.
func statusFor(err error) int {
	var appErr *transaction.ApplicationError
	switch {
	case errors.As(err, &appErr):
		if appErr.Code == worker.CodeBadArguments {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, sdk.ErrNotReady),
		errors.Is(err, sdk.ErrClosed),
		errors.Is(err, transaction.ErrCancelled),
		errors.Is(err, transaction.ErrChannelFault):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
