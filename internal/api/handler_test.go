package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"videovault/internal/blobstore"
	"videovault/internal/models"
	"videovault/internal/queue"
	"videovault/internal/tokens"
)

func newTestHandler(t *testing.T, opts ...tokens.Option) (*Handler, *fakeStore, *queue.Fake, *blobstore.Fake) {
	t.Helper()
	tok, err := tokens.NewService("unit-access-secret", "unit-refresh-secret", opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := newFakeStore()
	q := queue.NewFake()
	blob := blobstore.NewFake()
	h := New(st, q, blob, tok, nil, UploadLimits{MaxVideoSizeMB: 1, AllowedFormats: []string{"mp4", "webm"}}, logger, logger)
	h.BcryptCost = 4
	return h, st, q, blob
}

func seedUser(t *testing.T, st *fakeStore, id, email, orgID string, role models.Role) models.User {
	t.Helper()
	hash, err := tokens.HashPassword("Abcdef12", 4)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := models.User{
		ID:             id,
		Email:          email,
		PasswordHash:   hash,
		Name:           "Test User",
		Role:           role,
		OrganizationID: orgID,
		Active:         true,
	}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func seedOrg(t *testing.T, st *fakeStore, id, slug string) models.Organization {
	t.Helper()
	org := models.Organization{ID: id, Name: slug, Slug: slug, Active: true}
	if err := st.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	return org
}

func withSubject(r *http.Request, user models.User) *http.Request {
	return r.WithContext(ContextWithSubject(r.Context(), Subject{
		ID:       user.ID,
		Role:     user.Role,
		TenantID: user.OrganizationID,
	}))
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// waitFor polls fn until it returns true or the deadline passes, for
// asserting on work handlers do asynchronously (view counting).
func waitFor(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fn()
}
