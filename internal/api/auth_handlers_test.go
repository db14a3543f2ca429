package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"videovault/internal/models"
)

func registerBody(email, orgName string) string {
	return `{"email":"` + email + `","password":"Abcdef12","name":"A","organizationName":"` + orgName + `"}`
}

func decodeAuthResponse(t *testing.T, rec *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var resp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode auth response: %v (body %s)", err, rec.Body.String())
	}
	return resp
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "refresh_token" {
			return c
		}
	}
	t.Fatalf("no refresh_token cookie in response")
	return nil
}

func TestRegisterCreatesOrganizationAndAdmin(t *testing.T) {
	h, st, _, _ := newTestHandler(t)

	rec := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Acme Corp"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeAuthResponse(t, rec)
	if resp.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if resp.User.Role != models.RoleAdmin {
		t.Fatalf("creator role = %s, want admin", resp.User.Role)
	}
	if resp.User.PasswordHash != "" {
		t.Fatal("password hash must never be returned")
	}

	cookie := refreshCookie(t, rec)
	if !cookie.HttpOnly {
		t.Fatal("refresh cookie must be http-only")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("refresh cookie SameSite = %v, want strict", cookie.SameSite)
	}

	org, err := st.GetOrganizationBySlug(context.Background(), "acme-corp")
	if err != nil {
		t.Fatalf("organization not created: %v", err)
	}
	if org.OwnerID == nil || *org.OwnerID != resp.User.ID {
		t.Fatalf("organization owner = %v, want %s", org.OwnerID, resp.User.ID)
	}
}

func TestRegisterDuplicateOrganizationConflicts(t *testing.T) {
	h, st, _, _ := newTestHandler(t)

	first := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Acme"))
	if first.Code != http.StatusOK {
		t.Fatalf("first register status = %d", first.Code)
	}
	before, err := st.GetOrganizationBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("lookup organization: %v", err)
	}

	second := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("b@x.io", "Acme"))
	if second.Code != http.StatusConflict {
		t.Fatalf("second register status = %d, want 409", second.Code)
	}

	after, err := st.GetOrganizationBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("lookup organization after conflict: %v", err)
	}
	if after.ID != before.ID || after.OwnerID == nil || *after.OwnerID != *before.OwnerID {
		t.Fatalf("first organization changed by the conflicting attempt: %+v vs %+v", before, after)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	if rec := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Acme")); rec.Code != http.StatusOK {
		t.Fatalf("first register status = %d", rec.Code)
	}
	rec := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Globex"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate email status = %d, want 409", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	cases := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{"missing email", `{"password":"Abcdef12","name":"A","organizationName":"Acme"}`, "email"},
		{"short password", `{"email":"a@x.io","password":"short","name":"A","organizationName":"Acme"}`, "password"},
		{"missing organization", `{"email":"a@x.io","password":"Abcdef12","name":"A"}`, "organizationName"},
		{"unsluggable organization", `{"email":"a@x.io","password":"Abcdef12","name":"A","organizationName":"!!!"}`, "organizationName"},
		{"bad role", `{"email":"a@x.io","password":"Abcdef12","name":"A","organizationName":"Acme","role":"root"}`, "role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			var body struct {
				Error struct {
					Details map[string]string `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Details[tc.wantDetail] == "" {
				t.Fatalf("expected a detail for %q, got %+v", tc.wantDetail, body.Error.Details)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	user := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	rec := doJSON(t, h.Login, http.MethodPost, "/api/auth/login", `{"email":"A@X.IO","password":"Abcdef12"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeAuthResponse(t, rec)
	if resp.User.ID != user.ID || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	refreshCookie(t, rec)

	stored, _ := st.GetUser(context.Background(), user.ID)
	if stored.LastLoginAt == nil {
		t.Fatal("expected last_login_at to be touched")
	}

	// Logging in again must not fail even though the refresh slot is taken.
	again := doJSON(t, h.Login, http.MethodPost, "/api/auth/login", `{"email":"a@x.io","password":"Abcdef12"}`)
	if again.Code != http.StatusOK {
		t.Fatalf("second login status = %d, want 200 (body %s)", again.Code, again.Body.String())
	}
}

func TestLoginRejectsBadCredentialsAndInactive(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	user := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	if rec := doJSON(t, h.Login, http.MethodPost, "/api/auth/login", `{"email":"a@x.io","password":"wrong-pass"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}
	if rec := doJSON(t, h.Login, http.MethodPost, "/api/auth/login", `{"email":"nobody@x.io","password":"Abcdef12"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email status = %d, want 401", rec.Code)
	}

	st.mu.Lock()
	user.Active = false
	st.users[user.ID] = user
	st.mu.Unlock()
	if rec := doJSON(t, h.Login, http.MethodPost, "/api/auth/login", `{"email":"a@x.io","password":"Abcdef12"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("inactive login status = %d, want 401", rec.Code)
	}
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	registered := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Acme"))
	if registered.Code != http.StatusOK {
		t.Fatalf("register status = %d", registered.Code)
	}
	oldCookie := refreshCookie(t, registered)

	refreshed := doJSON(t, h.Refresh, http.MethodPost, "/api/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(oldCookie)
	})
	if refreshed.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200 (body %s)", refreshed.Code, refreshed.Body.String())
	}
	if resp := decodeAuthResponse(t, refreshed); resp.AccessToken == "" {
		t.Fatal("expected a new access token from refresh")
	}
	newCookie := refreshCookie(t, refreshed)
	if newCookie.Value == oldCookie.Value {
		t.Fatal("refresh must rotate the refresh token")
	}

	replayed := doJSON(t, h.Refresh, http.MethodPost, "/api/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(oldCookie)
	})
	if replayed.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d, want 401", replayed.Code)
	}

	// The rotated token is still good.
	again := doJSON(t, h.Refresh, http.MethodPost, "/api/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(newCookie)
	})
	if again.Code != http.StatusOK {
		t.Fatalf("rotated refresh status = %d, want 200", again.Code)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	rec := doJSON(t, h.Refresh, http.MethodPost, "/api/auth/refresh", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	h, st, _, _ := newTestHandler(t)

	registered := doJSON(t, h.Register, http.MethodPost, "/api/auth/register", registerBody("a@x.io", "Acme"))
	cookie := refreshCookie(t, registered)
	resp := decodeAuthResponse(t, registered)

	user, err := st.GetUser(context.Background(), resp.User.ID)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	rec := httptest.NewRecorder()
	h.Logout(rec, withSubject(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), user))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", rec.Code)
	}

	replayed := doJSON(t, h.Refresh, http.MethodPost, "/api/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if replayed.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d, want 401", replayed.Code)
	}
}

func TestMe(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	user := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleViewer)

	rec := httptest.NewRecorder()
	h.Me(rec, withSubject(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		User models.User `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User.ID != user.ID || body.User.Email != "a@x.io" {
		t.Fatalf("unexpected user: %+v", body.User)
	}
}
