// Package control implements the HTTP control surface consumed by
// operators: session start/stop/status, and the liveness/readiness probes
// (§6). This is the external collaborator boundary named in §1 — the core
// ingest engine only depends on the session.Descriptor this package
// mutates.
package control

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"ingestd/internal/config"
	"ingestd/internal/log"
	"ingestd/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires the chi router and holds the session descriptor + ready flag.
type Server struct {
	cfg     config.Config
	session *session.Descriptor
	ready   atomic.Bool
	mux     *chi.Mux
}

// New builds a Server. Handlers are registered immediately so readiness
// can flip independently once daemon startup finishes.
func New(cfg config.Config, sess *session.Descriptor) *Server {
	s := &Server{cfg: cfg, session: sess}
	s.mux = chi.NewRouter()
	s.mux.Use(requestID)
	s.mux.Use(recoverer)

	s.mux.Get("/livez", s.handleLive)
	s.mux.Get("/readyz", s.handleReady)
	s.mux.Get("/metrics", promhttp.Handler().ServeHTTP)

	s.mux.With(httprate.LimitByIP(5, time.Minute)).Post("/v1/watch/start", s.handleStart)
	s.mux.With(httprate.LimitByIP(5, time.Minute)).Post("/v1/watch/stop", s.handleStop)
	s.mux.Get("/v1/status", s.handleStatus)

	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler { return s.mux }

// SetReady flips the readiness flag. Called once by daemon.Run after
// telemetry is up, the blob client is validated, recovery has completed,
// and background tasks have started (§6 ready(), supplemented feature #2).
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// handleLive never touches NFS or any network resource — a pure in-memory
// constant response (§6 live(), supplemented feature #3).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type watchStartRequest struct {
	SessionName string `json:"session_name,omitempty"`
}

type watchStartResponse struct {
	DatePrefix     string `json:"date_prefix"`
	SessionName    string `json:"session_name"`
	EncodedSession string `json:"encoded_session"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body watchStartRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
			return
		}
	}
	if body.SessionName != "" {
		if err := session.ValidateName(body.SessionName); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}

	date, name, err := session.Start(s.session, s.cfg, body.SessionName)
	if err != nil {
		if err == session.ErrAlreadyActive {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "session already active"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, watchStartResponse{DatePrefix: date, SessionName: name, EncodedSession: name})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	session.Stop(s.session)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

type statusResponse struct {
	Enabled       bool   `json:"enabled"`
	ActiveSession string `json:"active_session,omitempty"`
	ProcessedOK   int64  `json:"processed_ok"`
	ProcessedErr  int64  `json:"processed_err"`
	LastError     string `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:       snap.Active,
		ActiveSession: snap.Name,
		ProcessedOK:   snap.ProcessedOK,
		ProcessedErr:  snap.ProcessedErr,
		LastError:     snap.LastError,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type requestIDKey struct{}

// requestID stamps a correlation ID on every request, generating one if
// the caller did not supply it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// recoverer ensures a panic in any handler never crashes the process.
func recoverer(next http.Handler) http.Handler {
	logger := log.WithComponent("control")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("panic recovered in HTTP handler")
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
