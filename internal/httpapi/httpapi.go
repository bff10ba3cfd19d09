package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/metrics"
	"umspos/backend/internal/service"
	"umspos/backend/internal/store"
)

const defaultHeartbeat = 25 * time.Second

var (
	allRoles       = []string{domain.RoleAdmin, domain.RoleAccountant, domain.RoleUser}
	operatorRoles  = []string{domain.RoleAdmin, domain.RoleUser}
	reportingRoles = []string{domain.RoleAdmin, domain.RoleAccountant}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Metrics
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
	heartbeat     time.Duration
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, m *metrics.Metrics, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		logger.Warn("crypto/rand failed, using fallback csrf secret", zap.Error(err))
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       m,
		logger:        logger.Named("http"),
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
		heartbeat:     defaultHeartbeat,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/api/v1/auth/me", a.requireAuth(a.handleMe, allRoles...))
	mux.HandleFunc("/api/v1/me/password", a.requireAuth(a.handleChangePassword, allRoles...))

	mux.HandleFunc("/api/v1/dashboard", a.requireAuth(a.handleDashboard, allRoles...))

	mux.HandleFunc("/api/v1/meters", a.requireAuth(a.handleMeters, allRoles...))
	mux.HandleFunc("/api/v1/meters/export", a.requireAuth(a.handleMeterExport, reportingRoles...))
	mux.HandleFunc("/api/v1/meters/{serial}", a.requireAuth(a.handleMeter, allRoles...))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, allRoles...))
	mux.HandleFunc("/api/v1/sales/{id}", a.requireAuth(a.handleSaleBatch, allRoles...))
	mux.HandleFunc("/api/v1/sales/{id}/returns", a.requireAuth(a.handleSaleReturn, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/{id}/replacements", a.requireAuth(a.handleSaleReplacement, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/agents", a.requireAuth(a.handleAgents, allRoles...))
	mux.HandleFunc("/api/v1/agents/{id}", a.requireAuth(a.handleAgent, allRoles...))
	mux.HandleFunc("/api/v1/agents/{id}/assign", a.requireAuth(a.handleAgentAssign, operatorRoles...))
	mux.HandleFunc("/api/v1/agents/{id}/return", a.requireAuth(a.handleAgentReturn, operatorRoles...))
	mux.HandleFunc("/api/v1/agents/{id}/sales", a.requireAuth(a.handleAgentSale, operatorRoles...))
	mux.HandleFunc("/api/v1/agents/{id}/transactions", a.requireAuth(a.handleAgentTransactions, allRoles...))

	mux.HandleFunc("/api/v1/faults", a.requireAuth(a.handleFaults, allRoles...))
	mux.HandleFunc("/api/v1/faults/{id}/resolve", a.requireAuth(a.handleFaultResolve, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/notifications", a.requireAuth(a.handleNotifications, allRoles...))
	mux.HandleFunc("/api/v1/notifications/unread-count", a.requireAuth(a.handleUnreadCount, allRoles...))
	mux.HandleFunc("/api/v1/notifications/read-all", a.requireAuth(a.handleNotificationsReadAll, allRoles...))
	mux.HandleFunc("/api/v1/notifications/{id}/read", a.requireAuth(a.handleNotificationRead, allRoles...))
	mux.HandleFunc("/api/v1/notifications/stream", a.requireStreamAuth(a.handleNotificationStream))

	mux.HandleFunc("/api/v1/reports/sales", a.requireAuth(a.handleSalesReport, reportingRoles...))
	mux.HandleFunc("/api/v1/reports/agents", a.requireAuth(a.handleAgentReport, reportingRoles...))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users/{username}", a.requireAuth(a.handleUser, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		a.authorize(w, r, strings.TrimSpace(authorization[len("Bearer "):]), next, roles)
	}
}

// requireStreamAuth also accepts the token as an access_token query
// parameter, since browser EventSource cannot set headers.
func (a *API) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	header := a.requireAuth(next, allRoles...)
	return func(w http.ResponseWriter, r *http.Request) {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			a.authorize(w, r, token, next, allRoles)
			return
		}
		header(w, r)
	}
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request, token string, next http.HandlerFunc, roles []string) {
	actor, err := a.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, errInvalidToken) || errors.Is(err, errAccountInactive) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.fail(w, r, err)
		return
	}

	if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	next(w, r.WithContext(service.WithActor(r.Context(), actor)))
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.service.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": "database unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if isMutating(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// statusRecorder captures the response status for logging. Unwrap lets
// http.ResponseController reach the underlying writer for streaming.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// statusFor maps store sentinel errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOffset(raw string) int {
	offset, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses; callers log the cause.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
