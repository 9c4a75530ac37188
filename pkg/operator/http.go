// Package operator exposes the gateway's operator-facing REST surface:
// health, metrics, call origination, and mid-call transfer requests, routed
// through gorilla/mux. Grounded on MrWong99-glyphoxa's internal/health
// package (collapsed from its /healthz+/readyz pair to the single /health
// spec names) and on lookatitude-beluga-ai's use of gorilla/mux for its HTTP
// surface.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arch7tect/sip-gateway/pkg/logging"
)

const checkTimeout = 5 * time.Second

// Checker is a named readiness probe; Check should respect context
// cancellation and return nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// OriginateRequest is the body of POST /call: place an outbound call.
type OriginateRequest struct {
	ToURI          string `json:"to_uri"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

// TransferRequest is the body of POST /transfer/{session_id}. ToURI may
// carry a "dtmf:<digits>" prefix for in-band DTMF instead of a SIP REFER.
// TransferDelayMS, if set, is how long (in milliseconds) to wait before
// acting on the transfer once the call would otherwise hang up.
type TransferRequest struct {
	ToURI           string `json:"to_uri"`
	TransferDelayMS int    `json:"transfer_delay,omitempty"`
}

// CallManager is the capability the operator surface needs from the
// gateway's call registry: originate a new outbound call, and request a
// transfer on an already-active one. Transfer returns ErrSessionNotFound or
// ErrCallNotConfirmed for the cases handleTransfer must distinguish as 404
// and 400 respectively; any other error becomes a 500.
type CallManager interface {
	Originate(ctx context.Context, req OriginateRequest) (sessionID string, err error)
	Transfer(ctx context.Context, sessionID string, toURI string, delay time.Duration) error
}

// Server is the operator HTTP surface.
type Server struct {
	router   *mux.Router
	checkers []Checker
	calls    CallManager
	logger   logging.Logger
}

// New builds a Server routing /health, /metrics, POST /call, and
// POST /transfer/{session_id}.
func New(calls CallManager, logger logging.Logger, checkers ...Checker) *Server {
	if logger == nil {
		logger = logging.NoOp{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		checkers: append([]Checker(nil), checkers...),
		calls:    calls,
		logger:   logger,
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/call", s.handleOriginate).Methods(http.MethodPost)
	s.router.HandleFunc("/transfer/{session_id}", s.handleTransfer).Methods(http.MethodPost)
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	allOK := true
	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !allOK {
		status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req OriginateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ToURI == "" {
		http.Error(w, "to_uri is required", http.StatusBadRequest)
		return
	}
	sessionID, err := s.calls.Originate(r.Context(), req)
	if err != nil {
		s.logger.Warn("originate failed", "error", err, "to_uri", req.ToURI)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ToURI == "" {
		http.Error(w, "to_uri is required", http.StatusBadRequest)
		return
	}
	delay := time.Duration(req.TransferDelayMS) * time.Millisecond
	err := s.calls.Transfer(r.Context(), sessionID, req.ToURI, delay)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrCallNotConfirmed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Warn("transfer failed", "error", err, "session_id", sessionID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
