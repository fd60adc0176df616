package welfarekit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Middleware provides HTTP middleware for authentication and permission checking.
type Middleware struct {
	service      *Service
	verifier     *TokenVerifier
	getUserID    func(*http.Request) string
	errorHandler func(http.ResponseWriter, *http.Request, error)
}

// MiddlewareOption configures the Middleware.
type MiddlewareOption func(*Middleware)

// NewMiddleware creates a new Middleware instance.
//
// Example:
//
//	mw := welfarekit.NewMiddleware(service,
//	    welfarekit.WithTokenVerifier(verifier),
//	)
//	mux.Handle("POST /applications/{id}/transitions",
//	    mw.Authenticate(mw.InjectAuditContext()(handler)))
func NewMiddleware(service *Service, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		service:      service,
		getUserID:    defaultGetUserID,
		errorHandler: defaultErrorHandler,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithUserIDExtractor sets a custom function to extract user ID from request.
func WithUserIDExtractor(fn func(*http.Request) string) MiddlewareOption {
	return func(m *Middleware) {
		m.getUserID = fn
	}
}

// WithErrorHandler sets a custom error handler for middleware.
func WithErrorHandler(fn func(http.ResponseWriter, *http.Request, error)) MiddlewareOption {
	return func(m *Middleware) {
		m.errorHandler = fn
	}
}

// WithTokenVerifier sets the verifier Authenticate uses for bearer tokens.
func WithTokenVerifier(v *TokenVerifier) MiddlewareOption {
	return func(m *Middleware) {
		m.verifier = v
	}
}

func defaultGetUserID(r *http.Request) string {
	return GetUserID(r.Context())
}

func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusTooManyRequests {
		if retry := RetryAfter(err); retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((retry+999_999_999)/1_000_000_000)))
		}
	}
	http.Error(w, http.StatusText(status), status)
}

// HTTPStatus maps an engine error to the HTTP status a handler should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsAuthentication(err), errors.Is(err, ErrNoActorID):
		return http.StatusUnauthorized
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsPermissionDenied(err), IsScopeViolation(err), IsCannotAssign(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidTransition(err), IsConcurrentModification(err), isConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Authenticate creates middleware that requires a valid bearer token and
// puts its subject into the context as both user and actor.
//
// Example:
//
//	mux.Handle("GET /me/permissions", mw.Authenticate(permissionsHandler))
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil {
			m.errorHandler(w, r, NewError(ErrConfiguration, "no token verifier configured"))
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			m.errorHandler(w, r, NewError(ErrAuthentication, "missing bearer token"))
			return
		}

		claims, err := m.verifier.Verify(raw)
		if err != nil {
			m.errorHandler(w, r, err)
			return
		}

		ctx := WithUserID(r.Context(), claims.Subject)
		ctx = WithActorID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission creates middleware that requires a permission, conditions included.
// Denials answer 403, rate limits 429 with Retry-After.
//
// Example:
//
//	mux.Handle("GET /finances", mw.Authenticate(
//	    mw.RequirePermission("finances.read.regional")(financesHandler)))
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := m.getUserID(r)
			if userID == "" {
				m.errorHandler(w, r, ErrNoUserID)
				return
			}

			d := m.service.HasPermission(ctx, userID, permission, AccessContextFrom(ctx))
			if !d.Allowed() {
				m.errorHandler(w, r, wrapDecision(d, userID, ""))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission creates middleware that requires any of the specified permissions.
func (m *Middleware) RequireAnyPermission(permissions []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := m.getUserID(r)
			if userID == "" {
				m.errorHandler(w, r, ErrNoUserID)
				return
			}

			d := m.service.HasAnyPermission(ctx, userID, permissions, AccessContextFrom(ctx))
			if !d.Allowed() {
				m.errorHandler(w, r, wrapDecision(d, userID, ""))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoadChecker creates middleware that loads the user's Checker into context.
// Use this when you want to do permission checks in the handler rather than middleware.
//
// Example:
//
//	func dashboardHandler(w http.ResponseWriter, r *http.Request) {
//	    checker := welfarekit.GetChecker(r.Context())
//	    if checker != nil && checker.HasMatching("finances.*") {
//	        // Show finance widgets
//	    }
//	}
func (m *Middleware) LoadChecker() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := m.getUserID(r)
			if userID == "" {
				// No user, continue without checker
				next.ServeHTTP(w, r)
				return
			}

			checker, err := m.service.GetChecker(ctx, userID)
			if err != nil {
				// Handlers without a checker deny
				next.ServeHTTP(w, r)
				return
			}

			ctx = WithChecker(ctx, checker)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InjectAuditContext creates middleware that extracts audit information from the request
// and adds it to the context for access decisions and audit records.
// A request without X-Request-ID gets a generated one, echoed in the response.
//
// Example:
//
//	handler = mw.InjectAuditContext()(handler)
func (m *Middleware) InjectAuditContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Extract IP address
			ip := r.Header.Get("X-Forwarded-For")
			if ip == "" {
				ip = r.Header.Get("X-Real-IP")
			}
			if ip == "" {
				ip = r.RemoteAddr
			}
			ctx = WithIPAddress(ctx, ip)

			// Extract User Agent
			ctx = WithUserAgent(ctx, r.UserAgent())

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = NewRequestID()
			}
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			// Set actor ID from user ID if available
			userID := m.getUserID(r)
			if userID != "" {
				ctx = WithActorID(ctx, userID)
				ctx = WithUserID(ctx, userID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
