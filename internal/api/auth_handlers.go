package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"videovault/internal/models"
	"videovault/internal/observability/metrics"
	"videovault/internal/store"
	"videovault/internal/tokens"
)

type registerRequest struct {
	Email            string      `json:"email"`
	Password         string      `json:"password"`
	Name             string      `json:"name"`
	OrganizationName string      `json:"organizationName"`
	Role             models.Role `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User        models.User `json:"user"`
	AccessToken string      `json:"access_token"`
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Register handles POST /api/auth/register, per spec.md 6. Registration
// creates a new organization named by organizationName and makes the caller
// its admin; a name that already resolves to an existing organization is a
// conflict. Existing organizations add members through the invite flow, not
// through registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)

	details := make(map[string]string)
	if req.Email == "" {
		details["email"] = "required"
	}
	if req.Password == "" {
		details["password"] = "required"
	} else if len(req.Password) < 8 {
		details["password"] = "must be at least 8 characters"
	}
	if req.Name == "" {
		details["name"] = "required"
	}
	orgName := strings.TrimSpace(req.OrganizationName)
	slug := slugify(orgName)
	if orgName == "" {
		details["organizationName"] = "required"
	} else if slug == "" {
		details["organizationName"] = "must contain at least one letter or digit"
	}
	if req.Role != "" {
		switch req.Role {
		case models.RoleViewer, models.RoleEditor, models.RoleAdmin:
		default:
			details["role"] = "must be viewer, editor, or admin"
		}
	}
	if len(details) > 0 {
		WriteRequestError(w, FieldValidationError("registration payload is invalid", details))
		return
	}

	// Registration always creates a fresh organization; joining an existing
	// one goes through the invite flow, which lives outside this service.
	// A name that slugs to an existing organization is therefore a conflict,
	// and the existing organization is left untouched.
	ctx := r.Context()
	if _, err := h.Store.GetOrganizationBySlug(ctx, slug); err == nil {
		WriteRequestError(w, RequestError{Status: http.StatusConflict, CodeVal: "conflict", Message: "organization already exists"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.Logger.Error("register: lookup organization", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}

	org := models.Organization{
		ID:   uuid.NewString(),
		Name: orgName,
		Slug: slug,
		Settings: models.OrganizationSettings{
			MaxStorageGB:   100,
			MaxVideoSizeMB: 2048,
			AllowedFormats: []string{"mp4", "mov", "webm", "mkv"},
		},
		Active: true,
	}
	if err := h.Store.CreateOrganization(ctx, org); err != nil {
		h.writeStoreError(w, err, "organization")
		return
	}

	hash, err := tokens.HashPassword(req.Password, h.BcryptCost)
	if err != nil {
		h.Logger.Error("register: hash password", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}

	// The creator is the organization's first user and becomes its admin
	// regardless of any requested role.
	user := models.User{
		ID:             uuid.NewString(),
		Email:          req.Email,
		PasswordHash:   hash,
		Name:           req.Name,
		Role:           models.RoleAdmin,
		OrganizationID: org.ID,
		Active:         true,
	}
	if err := h.Store.CreateUser(ctx, user); err != nil {
		h.writeStoreError(w, err, "user")
		return
	}
	if err := h.Store.SetOrganizationOwner(ctx, org.ID, user.ID); err != nil {
		h.Logger.Warn("register: set organization owner", "error", err, "organization_id", org.ID)
	}

	h.Audit.Info("user registered", "user_id", user.ID, "organization_id", org.ID, "role", string(user.Role))
	h.issueSession(w, r, user)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
			WriteRequestError(w, unauthorized("invalid email or password"))
			return
		}
		h.Logger.Error("login: lookup user", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	if !tokens.ComparePassword(req.Password, user.PasswordHash) {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		WriteRequestError(w, unauthorized("invalid email or password"))
		return
	}
	if !user.Active {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		WriteRequestError(w, unauthorized("account is deactivated"))
		return
	}

	if err := h.Store.TouchLastLogin(r.Context(), user.ID, time.Now()); err != nil {
		h.Logger.Warn("login: touch last login", "error", err, "user_id", user.ID)
	}
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	h.Audit.Info("user logged in", "user_id", user.ID)
	h.issueSession(w, r, user)
}

// issueSession issues an access+refresh token pair for user, sets the
// refresh cookie, and writes the access token in the response body per
// spec.md 6.
func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request, user models.User) {
	access, _, err := h.Tokens.IssueAccess(user)
	if err != nil {
		h.Logger.Error("issue access token", "error", err, "user_id", user.ID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	refresh, expires, err := h.Tokens.IssueRefresh(user)
	if err != nil {
		h.Logger.Error("issue refresh token", "error", err, "user_id", user.ID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	if err := h.Store.SetRefreshToken(r.Context(), user.ID, "", hashRefreshToken(refresh)); err != nil {
		h.Logger.Error("store refresh token", "error", err, "user_id", user.ID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}

	h.setRefreshCookie(w, r, refresh, expires)
	WriteJSON(w, http.StatusOK, authResponse{User: redactUser(user), AccessToken: access})
}

// Refresh handles POST /api/auth/refresh: it exchanges the refresh cookie
// for a new access token and rotates the refresh token, rejecting reuse of
// an already-rotated token per spec.md 4.1 and 8's replay law.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		WriteRequestError(w, unauthorized("missing refresh token"))
		return
	}

	claims, outcome := h.Tokens.VerifyRefresh(cookie.Value)
	if !outcome.Valid {
		h.clearRefreshCookie(w, r)
		if outcome.Expired {
			WriteRequestError(w, tokenExpired())
			return
		}
		WriteRequestError(w, unauthorized("invalid refresh token"))
		return
	}

	user, err := h.Store.GetUser(r.Context(), claims.SubjectID)
	if err != nil || !user.Active {
		h.clearRefreshCookie(w, r)
		WriteRequestError(w, unauthorized("invalid refresh token"))
		return
	}

	newRefresh, expires, err := h.Tokens.IssueRefresh(user)
	if err != nil {
		h.Logger.Error("issue refresh token", "error", err, "user_id", user.ID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	if err := h.Store.SetRefreshToken(r.Context(), user.ID, hashRefreshToken(cookie.Value), hashRefreshToken(newRefresh)); err != nil {
		h.clearRefreshCookie(w, r)
		h.Audit.Warn("refresh token reuse detected", "user_id", user.ID)
		WriteRequestError(w, unauthorized("refresh token already used"))
		return
	}

	access, _, err := h.Tokens.IssueAccess(user)
	if err != nil {
		h.Logger.Error("issue access token", "error", err, "user_id", user.ID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
		return
	}
	h.setRefreshCookie(w, r, newRefresh, expires)
	WriteJSON(w, http.StatusOK, authResponse{User: redactUser(user), AccessToken: access})
}

// Logout handles POST /api/auth/logout: it clears the refresh token slot
// and the refresh cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if ok {
		if err := h.Store.ClearRefreshToken(r.Context(), subject.ID); err != nil {
			h.Logger.Warn("logout: clear refresh token", "error", err, "user_id", subject.ID)
		}
		h.Audit.Info("user logged out", "user_id", subject.ID)
	}
	h.clearRefreshCookie(w, r)
	WriteJSON(w, http.StatusOK, map[string]any{})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	user, err := h.Store.GetUser(r.Context(), subject.ID)
	if err != nil {
		WriteRequestError(w, unauthorized("invalid access token"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"user": redactUser(user)})
}

// hashRefreshToken digests a refresh token before it touches the database,
// so a leaked users row does not hand out a usable token.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func redactUser(u models.User) models.User {
	u.PasswordHash = ""
	u.RefreshTokenCurrent = nil
	return u
}

// writeStoreError maps a store error to the conflict/internal-error
// response it implies, per spec.md 7's "duplicate email or organization
// slug" 409 case.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, noun string) {
	if errors.Is(err, store.ErrConflict) {
		WriteRequestError(w, RequestError{Status: http.StatusConflict, CodeVal: "conflict", Message: noun + " already exists"})
		return
	}
	h.Logger.Error("store operation failed", "error", err, "resource", noun)
	WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "internal error"})
}
