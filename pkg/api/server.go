// Package api is the HTTP control surface over the router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
)

const maxBodyBytes = 8 << 20

// Backend is everything the HTTP surface drives.
type Backend interface {
	Submit(ctx context.Context, req models.GenerationRequest) models.DispatchOutcome
	GetAccountStatus() []models.AccountStatus
	AddAccount(ctx context.Context, spec models.AccountSpec) (string, error)
	RemoveAccount(ctx context.Context, id string) error
	RefreshBalance(id string, remaining int64) error
	SetEmergencyMode(on bool)
	EmergencyMode() bool
}

// Server serves the control API.
type Server struct {
	listen  string
	token   string
	backend Backend
	router  *mux.Router
}

// New creates a Server. An empty token disables authentication.
func New(listen, token string, b Backend) *Server {
	s := &Server{
		listen:  listen,
		token:   token,
		backend: b,
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", s.handleAddAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", s.handleRemoveAccount).Methods(http.MethodDelete)
	v1.HandleFunc("/accounts/{id}/balance", s.handleBalance).Methods(http.MethodPut)
	v1.HandleFunc("/emergency", s.handleGetEmergency).Methods(http.MethodGet)
	v1.HandleFunc("/emergency", s.handleSetEmergency).Methods(http.MethodPut)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Component("api").Info("genroute listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && extractAPIKey(r) != s.token {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatusFor maps an outcome to its HTTP status code.
func StatusFor(out models.DispatchOutcome) int {
	if out.Succeeded() {
		return http.StatusOK
	}
	switch out.Kind {
	case models.KindNoCapacity:
		return http.StatusServiceUnavailable
	case models.KindRequestRejected:
		return http.StatusUnprocessableEntity
	case models.KindTransient:
		return http.StatusBadGateway
	case models.KindQuotaExhausted:
		return http.StatusPaymentRequired
	case models.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case models.KindDuplicateInFlight:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "emergency_mode": s.backend.EmergencyMode()})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	out := s.backend.Submit(r.Context(), req)
	if out.Meta.Replayed {
		w.Header().Set("X-Genroute-Replayed", "true")
	}
	writeJSON(w, StatusFor(out), out)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetAccountStatus())
}

// accountBody accepts the credential that AccountSpec never serializes.
type accountBody struct {
	models.AccountSpec
	APIKey string `json:"api_key"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var body accountBody
	if err := decode(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account body")
		return
	}
	spec := body.AccountSpec
	spec.APIKey = body.APIKey
	id, err := s.backend.AddAccount(r.Context(), spec)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.RemoveAccount(r.Context(), id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type balanceBody struct {
	Remaining *int64 `json:"remaining"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var body balanceBody
	if err := decode(r, &body); err != nil || body.Remaining == nil || *body.Remaining < 0 {
		writeJSONError(w, http.StatusBadRequest, "remaining must be a non-negative integer")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.backend.RefreshBalance(id, *body.Remaining); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type emergencyBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.backend.EmergencyMode()})
}

func (s *Server) handleSetEmergency(w http.ResponseWriter, r *http.Request) {
	var body emergencyBody
	if err := decode(r, &body); err != nil || body.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	s.backend.SetEmergencyMode(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.backend.EmergencyMode()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownAccount):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateAccount):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidAccount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"genroute_error","code":%d}}`, message, code)
}
