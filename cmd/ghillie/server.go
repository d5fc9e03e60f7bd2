package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ghillie/auth"
	"ghillie/dispute"
	"ghillie/listing"
	"ghillie/money"
	"ghillie/profile"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Server exposes the marketplace over HTTP.
type Server struct {
	listings *listing.Service
	auth     *auth.Service
	profiles *profile.Service
	disputes *dispute.Service
	logger   *zap.Logger
}

func NewServer(listings *listing.Service, authSvc *auth.Service, profiles *profile.Service, disputes *dispute.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{listings: listings, auth: authSvc, profiles: profiles, disputes: disputes, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/profiles/{id}", s.handleProfile)

		r.Group(func(r chi.Router) {
			r.Use(s.optionalAuth)
			r.Get("/listings", s.handleBrowse)
			r.Get("/listings/{id}", s.handleListing)
			r.Get("/listings/{id}/quote", s.handleQuote)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/listings", s.handleCreateListing)
			r.Post("/listings/{id}/{action}", s.handleAction)
			r.Get("/listings/{id}/events", s.handleEvents)
			r.Get("/activity", s.handleActivity)
			r.Get("/disputes", s.handleDisputes)
			r.Get("/disputes/{id}", s.handleDispute)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authenticate(r *http.Request) (*http.Request, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return r, auth.ErrInvalidToken
	}
	userID, role, err := s.auth.VerifyToken(strings.TrimSpace(token))
	if err != nil {
		return r, err
	}
	ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return r.WithContext(ctx), nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// optionalAuth attaches the caller when a valid token is present and
// otherwise serves the request anonymously.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authed, err := s.authenticate(r); err == nil {
			r = authed
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, listing.ErrNotFound), errors.Is(err, profile.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, listing.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, listing.ErrVersionConflict):
		status, code = http.StatusPreconditionFailed, "version_conflict"
	case errors.Is(err, listing.ErrUnauthorizedActor), errors.Is(err, dispute.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, listing.ErrMissingDisputeReason):
		status, code = http.StatusBadRequest, "missing_dispute_reason"
	case errors.Is(err, listing.ErrVerificationRequired):
		status, code = http.StatusUnprocessableEntity, "verification_required"
	case errors.Is(err, listing.ErrInvalidListing), errors.Is(err, auth.ErrInvalidRequest),
		errors.Is(err, auth.ErrWeakPassword), errors.Is(err, money.ErrSyntax),
		errors.Is(err, money.ErrNegative), errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrRange),
		errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrDuplicateEmail):
		status, code = http.StatusConflict, "duplicate_email"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
