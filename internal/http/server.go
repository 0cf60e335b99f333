package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"your.org/wa-tenant-sessions/internal/config"
	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/provider"
	"your.org/wa-tenant-sessions/internal/session"
)

// Sessions is the command surface the API drives.  *session.Manager
// satisfies it.
type Sessions interface {
	Initialize(ctx context.Context, tenantID string) (session.Status, error)
	GetStatus(tenantID string) session.Status
	Send(ctx context.Context, tenantID, to, text string) (string, error)
	Disconnect(ctx context.Context, tenantID string) error
	ListReady() []string
}

// Pinger reports whether a backing store is reachable.  *store.Store
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server encapsulates the HTTP API surface.  When Start is called the
// server begins listening on cfg.HTTPAddr.  Shutdown gracefully stops the
// listener.
type Server struct {
	sessions Sessions
	db       Pinger
	router   *mux.Router
	httpSrv  *http.Server
	ready    atomic.Bool
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer wires up all routes using Gorilla mux.  db may be nil, in which
// case readyz does not check storage.
func NewServer(cfg *config.Config, sessions Sessions, db Pinger) *Server {
	s := &Server{sessions: sessions, db: db}
	router := mux.NewRouter()
	router.HandleFunc("/tenants/ready", s.handleListReady).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}/initialize", s.handleInitialize).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{id}/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}/qr", s.handleQR).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}/send", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	// Health and readiness probes
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.router = router
	s.httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests and flips readyz to 200.  It returns
// nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.ready.Store(true)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.  After shutdown the readyz
// endpoint will return HTTP 503.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.sessions.Initialize(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// connect proceeds asynchronously
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.GetStatus(mux.Vars(r)["id"]))
}

// handleQR renders the current pairing code as image/png, or 404 while no
// code is pending.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.GetStatus(mux.Vars(r)["id"])
	if st.Status != session.StatusQRReady || st.QRCode == "" {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "qr not ready")
		return
	}
	buf, err := provider.QRPNG(st.QRCode, 256)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to and text are required"})
		return
	}
	msgID, err := s.sessions.Send(r.Context(), id, req.To, req.Text)
	if err != nil {
		ilog.WithTenant(id).Error("http send to=%q: %v", req.To, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{ID: msgID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Disconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListReady(w http.ResponseWriter, r *http.Request) {
	ids := s.sessions.ListReady()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tenants": ids})
}

// handleHealth always returns HTTP 200 OK.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady returns HTTP 200 once Start has been called and the database
// answers a ping, and 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			ilog.Warnf("readyz: database ping: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "database unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ready")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, target interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(target)
}
