package api

import (
	"context"
	"net/http"
	"strings"

	"videovault/internal/models"
)

type contextKey int

const (
	ctxKeySubject contextKey = iota
)

// Subject is the {subject_id, role, tenant_id} triple the Auth & Tenancy
// Middleware attaches to the request context on a successful token
// verification, per spec.md 4.2.
type Subject struct {
	ID       string
	Role     models.Role
	TenantID string
}

// ContextWithSubject attaches subject to ctx.
func ContextWithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFromContext returns the Subject attached by RequireAuth/OptionalAuth,
// or the zero Subject and false if the request was anonymous.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	subject, ok := ctx.Value(ctxKeySubject).(Subject)
	return subject, ok
}

// resolveAccessToken implements the resolution order spec.md 4.2 mandates:
// Authorization header, access-token cookie, then the "token" query
// parameter (needed for range-streaming requests, which media elements
// issue without custom headers).
func resolveAccessToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cookie, err := r.Cookie(accessTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// SubjectKey returns the verified subject id carried by the request's
// access token, for callers that need a client identity before route-level
// auth runs -- the rate limiter keys authenticated traffic by subject. It
// checks only the token signature and expiry, not the user row: a limiter
// key does not need the active-flag lookup RequireAuth performs.
func (h *Handler) SubjectKey(r *http.Request) (string, bool) {
	if h == nil || h.Tokens == nil {
		return "", false
	}
	raw := resolveAccessToken(r)
	if raw == "" {
		return "", false
	}
	outcome := h.Tokens.VerifyAccess(raw)
	if !outcome.Valid {
		return "", false
	}
	return outcome.Claims.SubjectID, true
}

func unauthorized(message string) RequestError {
	return RequestError{Status: http.StatusUnauthorized, CodeVal: "unauthorized", Message: message}
}

func tokenExpired() RequestError {
	return RequestError{Status: http.StatusUnauthorized, CodeVal: "TOKEN_EXPIRED", Message: "access token expired"}
}

// authenticate resolves and verifies the caller's access token, then loads
// the User to check the active flag, per spec.md 4.2. It never trusts
// claims without a prior signature check (tokens.Service.VerifyAccess does
// that) and returns a RequestError ready to write on any failure.
func (h *Handler) authenticate(r *http.Request) (Subject, error) {
	raw := resolveAccessToken(r)
	if raw == "" {
		return Subject{}, unauthorized("missing access token")
	}
	outcome := h.Tokens.VerifyAccess(raw)
	switch {
	case outcome.Valid:
		// fallthrough below
	case outcome.Expired:
		return Subject{}, tokenExpired()
	default:
		return Subject{}, unauthorized("invalid access token")
	}

	user, err := h.Store.GetUser(r.Context(), outcome.Claims.SubjectID)
	if err != nil {
		return Subject{}, unauthorized("invalid access token")
	}
	if !user.Active {
		return Subject{}, unauthorized("account is deactivated")
	}
	return Subject{ID: user.ID, Role: user.Role, TenantID: user.OrganizationID}, nil
}

// RequireAuth rejects requests without a valid access token; on success it
// attaches the resolved Subject to the request context.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := h.authenticate(r)
		if err != nil {
			WriteRequestError(w, err)
			return
		}
		next(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
	}
}

// OptionalAuth attaches a Subject when a valid token is present but proceeds
// anonymously otherwise, for routes that permit public visibility per
// spec.md 4.2's "Optional variant".
func (h *Handler) OptionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := h.authenticate(r)
		if err != nil {
			next(w, r)
			return
		}
		next(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
	}
}

// RequireRole decorates a route with a minimum role requirement, per the
// Access Control role guard in spec.md 4.3.
func (h *Handler) RequireRole(minimum models.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFromContext(r.Context())
		if !ok {
			WriteRequestError(w, unauthorized("missing access token"))
			return
		}
		if !subject.Role.HasAtLeast(minimum) {
			WriteRequestError(w, RequestError{Status: http.StatusForbidden, CodeVal: "forbidden", Message: "insufficient role"})
			return
		}
		next(w, r)
	}
}

// loadTenantVideo implements the tenant guard from spec.md 4.3: it loads the
// named Video and requires organization_id == ctx.tenant_id, admins of the
// same tenant notwithstanding. A Video in a different tenant is reported as
// not-found, never forbidden, so callers cannot distinguish "doesn't exist"
// from "belongs to someone else" (spec.md 7's cross-tenant-probing note).
func (h *Handler) loadTenantVideo(r *http.Request, id string) (models.Video, error) {
	video, err := h.Store.GetVideo(r.Context(), id)
	if err != nil {
		return models.Video{}, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "video not found"}
	}
	subject, ok := SubjectFromContext(r.Context())
	if !ok || video.OrganizationID != subject.TenantID {
		return models.Video{}, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "video not found"}
	}
	return video, nil
}

// loadVisibleVideo additionally applies the visibility guard, allowing an
// anonymous or cross-tenant caller to read a public Video, per spec.md 4.3.
func (h *Handler) loadVisibleVideo(r *http.Request, id string) (models.Video, error) {
	video, err := h.Store.GetVideo(r.Context(), id)
	if err != nil {
		return models.Video{}, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "video not found"}
	}
	subject, _ := SubjectFromContext(r.Context())
	if !video.CanRead(subject.ID, subject.Role, subject.TenantID) {
		return models.Video{}, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "video not found"}
	}
	return video, nil
}
