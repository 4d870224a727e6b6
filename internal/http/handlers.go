package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/admin"
	"github.com/example/moto-dispatch/internal/auth"
	"github.com/example/moto-dispatch/internal/claim"
	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/driver"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/payments"
	"github.com/example/moto-dispatch/internal/rider"
	"github.com/example/moto-dispatch/internal/storage"
	"github.com/example/moto-dispatch/internal/wallet"
)

const maxBodyBytes = 1 << 20

// Deps is everything the API routes to. BlobDir and Health are optional.
type Deps struct {
	Auth     *auth.Authenticator
	Riders   *rider.Service
	Drivers  *driver.Service
	Wallet   *wallet.Service
	Admin    admin.Config
	Registry *dispatch.WSRegistry

	BlobDir     string
	BlobBaseURL string

	LoginURL       string
	AllowedOrigins []string
	Health         func(ctx context.Context) error
	Logger         *zap.SugaredLogger
}

type Server struct {
	deps   Deps
	logger *zap.SugaredLogger
	mux    *mux.Router

	mu       sync.Mutex
	consoles map[string]*admin.Console
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Admin.Log == nil {
		d.Admin.Log = d.Logger
	}
	if d.Admin.Sink == nil && d.Registry != nil {
		d.Admin.Sink = d.Registry
	}
	s := &Server{
		deps:     d,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
		consoles: make(map[string]*admin.Console),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.deps.BlobDir != "" && s.deps.BlobBaseURL != "" {
		prefix := s.deps.BlobBaseURL + "/"
		s.mux.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(s.deps.BlobDir))))
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/signout", s.handleSignOut).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	r := api.PathPrefix("/rider").Subrouter()
	r.Use(requireRole(models.RoleRider))
	r.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)
	r.HandleFunc("/trips", s.handleRequestTrip).Methods(http.MethodPost)
	r.HandleFunc("/trips", s.handleRiderHistory).Methods(http.MethodGet)
	r.HandleFunc("/trips/{id}/rating", s.handleRate).Methods(http.MethodPost)
	r.HandleFunc("/trip", s.handleRiderTrip).Methods(http.MethodGet)
	r.HandleFunc("/trip/cancel", s.handleRiderCancel).Methods(http.MethodPost)
	r.HandleFunc("/trip/sos", s.handleSOS).Methods(http.MethodPost)
	r.HandleFunc("/trip/eta", s.handleETA).Methods(http.MethodGet)
	r.HandleFunc("/trip/messages", s.handleRiderMessages).Methods(http.MethodGet)
	r.HandleFunc("/trip/messages", s.handleRiderSay).Methods(http.MethodPost)
	r.HandleFunc("/nearby", s.handleNearby).Methods(http.MethodGet)

	d := api.PathPrefix("/driver").Subrouter()
	d.Use(requireRole(models.RoleDriver))
	d.HandleFunc("/session", s.handleDriverOpen).Methods(http.MethodPost)
	d.HandleFunc("/status", s.handleDriverStatus).Methods(http.MethodGet)
	d.HandleFunc("/online", s.handleGoOnline).Methods(http.MethodPost)
	d.HandleFunc("/offline", s.handleGoOffline).Methods(http.MethodPost)
	d.HandleFunc("/position", s.handlePosition).Methods(http.MethodPost)
	d.HandleFunc("/offer/accept", s.handleAccept).Methods(http.MethodPost)
	d.HandleFunc("/offer/reject", s.handleReject).Methods(http.MethodPost)
	d.HandleFunc("/trip/advance", s.handleAdvance).Methods(http.MethodPost)
	d.HandleFunc("/trip/cancel", s.handleDriverCancel).Methods(http.MethodPost)
	d.HandleFunc("/trip/messages", s.handleDriverMessages).Methods(http.MethodGet)
	d.HandleFunc("/trip/messages", s.handleDriverSay).Methods(http.MethodPost)
	d.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	d.HandleFunc("/trips", s.handleDriverHistory).Methods(http.MethodGet)
	d.HandleFunc("/photo", s.handlePhoto).Methods(http.MethodPost)
	d.HandleFunc("/recharges", s.handleRecharge).Methods(http.MethodPost)
	d.HandleFunc("/recharges", s.handleListRecharges).Methods(http.MethodGet)

	a := api.PathPrefix("/admin").Subrouter()
	a.Use(requireRole(models.RoleAdmin))
	a.HandleFunc("/zones", s.withConsole(s.handleZones)).Methods(http.MethodGet)
	a.HandleFunc("/zones", s.withConsole(s.handleCreateZone)).Methods(http.MethodPost)
	a.HandleFunc("/zones/{id}", s.withConsole(s.handleDeleteZone)).Methods(http.MethodDelete)
	a.HandleFunc("/occupancy", s.withConsole(s.handleOccupancy)).Methods(http.MethodGet)
	a.HandleFunc("/recharges", s.withConsole(s.handleRecharges)).Methods(http.MethodGet)
	a.HandleFunc("/recharges/{id}/approve", s.withConsole(s.handleApprove)).Methods(http.MethodPost)
	a.HandleFunc("/recharges/{id}/reject", s.withConsole(s.handleRejectRecharge)).Methods(http.MethodPost)
	a.HandleFunc("/drivers", s.withConsole(s.handleDrivers)).Methods(http.MethodGet)
	a.HandleFunc("/drivers/{id}/block", s.withConsole(s.handleBlock)).Methods(http.MethodPost)
	a.HandleFunc("/drivers/{id}/unblock", s.withConsole(s.handleUnblock)).Methods(http.MethodPost)
	a.HandleFunc("/stats", s.withConsole(s.handleStats)).Methods(http.MethodGet)
	a.HandleFunc("/sos", s.withConsole(s.handleOpenSOS)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Handler wraps the router with CORS for the web clients.
func (s *Server) Handler() http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-ID"}),
	)(s)
}

// Close stops the admin consoles.
func (s *Server) Close() {
	s.mu.Lock()
	consoles := s.consoles
	s.consoles = make(map[string]*admin.Console)
	s.mu.Unlock()
	for _, c := range consoles {
		c.Close()
	}
}

func (s *Server) console(ctx context.Context, adminID string) (*admin.Console, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consoles[adminID]; ok {
		return c, nil
	}
	c := admin.NewConsole(adminID, s.deps.Admin)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	s.consoles[adminID] = c
	return c, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	if err := s.deps.Auth.SignOut(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch sess.Role {
	case models.RoleRider:
		s.deps.Riders.Drop(sess.UserID)
	case models.RoleDriver:
		s.deps.Drivers.Drop(sess.UserID)
	case models.RoleAdmin:
		s.mu.Lock()
		c := s.consoles[sess.UserID]
		delete(s.consoles, sess.UserID)
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
	}
	s.logger.Infow("signed out", "user_id", sess.UserID, "role", sess.Role)
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	LoginURL  string `json:"login_url,omitempty"`
}

func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, false
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, false
	case errors.Is(err, payments.ErrDisabled):
		return http.StatusNotImplemented, false
	case errors.Is(err, claim.ErrClaimUnknown), errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	}
	return http.StatusInternalServerError, false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retryable := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "route", routeTemplate(r), "status", status, "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Join(models.ErrInvalidInput, err)
	}
	return nil
}

func queryFloat(r *http.Request, key string) (float64, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, errors.Join(models.ErrInvalidInput, err)
	}
	return f, true, nil
}

func newID() string { return uuid.NewString() }
