package modelgrid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelgrid/modelgrid/internal/observability"
	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// tenantHeader identifies the caller. The front door trusts it as-is; an
// authenticating proxy in front of the gateway is expected to set it.
const tenantHeader = "X-Tenant-ID"

const idempotencyHeader = "Idempotency-Key"

// Server is the HTTP front door over a Gateway.
type Server struct {
	gw   *Gateway
	http *http.Server
}

// NewServer builds the HTTP server from the gateway's configuration.
func NewServer(gw *Gateway) *Server {
	cfg := gw.confMgr.Get()

	s := &Server{gw: gw}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completions", s.handleComplete)
	mux.HandleFunc("POST /v1/completions/stream", s.handleCompleteStream)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler returns the HTTP handler, for mounting under another server.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.gw.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		s.writeError(w, r, gwerrors.BadRequest(tenantHeader+" header is required"))
		return
	}
	usage, ok := s.gw.TenantUsage(tenantID)
	if !ok {
		s.writeError(w, r, gwUnknownTenant(tenantID))
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type backendStatus struct {
		Provider string  `json:"provider"`
		Model    string  `json:"model"`
		Score    float64 `json:"health_score"`
	}
	var backends []backendStatus
	for _, inst := range s.gw.pool.All() {
		backends = append(backends, backendStatus{
			Provider: inst.Provider,
			Model:    inst.Model,
			Score:    inst.HealthScore(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"backends": backends,
	})
}

// decodeRequest parses the request body and applies header-carried fields.
func (s *Server) decodeRequest(r *http.Request) (*types.Request, error) {
	var req types.Request
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	if err := dec.Decode(&req); err != nil {
		return nil, gwerrors.BadRequest("invalid request body: " + err.Error())
	}

	if tenantID := r.Header.Get(tenantHeader); tenantID != "" {
		req.TenantID = tenantID
	}
	if key := r.Header.Get(idempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}
	req.ID = observability.RequestIDFromContext(r.Context())
	return &req, nil
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: string(gwerrors.KindInternal), Message: "internal error"}

	if ge, ok := err.(*gwerrors.GatewayError); ok {
		status = ge.HTTPStatus()
		body = errorBody{
			Code:    string(ge.Kind),
			Message: ge.Message,
			TraceID: ge.TraceID,
		}
		if ge.RetryAfter > 0 {
			body.RetryAfter = ge.RetryAfter.Milliseconds()
			secs := int64(ge.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
		if ge.Kind == gwerrors.KindRateLimited {
			w.Header().Set("X-RateLimit-Remaining", "0")
		}
	}
	if body.TraceID == "" {
		body.TraceID = observability.RequestIDFromContext(r.Context())
	}

	s.gw.logger.Slog().Warn("request failed",
		"path", r.URL.Path,
		"status", status,
		"code", body.Code,
		"request_id", body.TraceID,
	)
	s.writeJSON(w, status, map[string]errorBody{"error": body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.gw.logger.Slog().Warn("write response failed", "error", err)
	}
}
