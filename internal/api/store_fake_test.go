package api

import (
	"context"
	"sync"
	"time"

	"videovault/internal/models"
	"videovault/internal/store"
)

// fakeStore is an in-memory Store for handler tests, following the same
// in-process stand-in pattern as queue.Fake and blobstore.Fake. It enforces
// the unique constraints and CAS semantics the Postgres store does so
// handler-level conflict and token-reuse paths are exercised for real.
type fakeStore struct {
	mu     sync.Mutex
	orgs   map[string]models.Organization
	users  map[string]models.User
	videos map[string]models.Video
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:   make(map[string]models.Organization),
		users:  make(map[string]models.User),
		videos: make(map[string]models.Video),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateOrganization(_ context.Context, org models.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.orgs {
		if existing.Slug == org.Slug {
			return store.ErrConflict
		}
	}
	org.CreatedAt = time.Now().UTC()
	org.UpdatedAt = org.CreatedAt
	f.orgs[org.ID] = org
	return nil
}

func (f *fakeStore) GetOrganizationBySlug(_ context.Context, slug string) (models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, org := range f.orgs {
		if org.Slug == slug {
			return org, nil
		}
	}
	return models.Organization{}, store.ErrNotFound
}

func (f *fakeStore) SetOrganizationOwner(_ context.Context, orgID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return store.ErrNotFound
	}
	org.OwnerID = &ownerID
	f.orgs[orgID] = org
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, user models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return models.User{}, store.ErrNotFound
}

func (f *fakeStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.LastLoginAt = &at
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SetRefreshToken(_ context.Context, userID, expectedTokenHash, newTokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrStaleRefreshToken
	}
	if expectedTokenHash != "" {
		if user.RefreshTokenCurrent == nil || *user.RefreshTokenCurrent != expectedTokenHash {
			return store.ErrStaleRefreshToken
		}
	}
	user.RefreshTokenCurrent = &newTokenHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) ClearRefreshToken(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.RefreshTokenCurrent = nil
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreateVideo(_ context.Context, v models.Video) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.CreatedAt = time.Now().UTC()
	v.UpdatedAt = v.CreatedAt
	f.videos[v.ID] = v
	return nil
}

func (f *fakeStore) GetVideo(_ context.Context, id string) (models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.videos[id]
	if !ok {
		return models.Video{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) ListVideosByOrganization(_ context.Context, orgID string, limit, offset int) ([]models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Video
	for _, v := range f.videos {
		if v.OrganizationID == orgID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) ListFlaggedVideos(_ context.Context, orgID string) ([]models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Video
	for _, v := range f.videos {
		if v.OrganizationID == orgID && v.Sensitivity.Status == models.SensitivityStatusFlagged {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateVideoMetadata(_ context.Context, v models.Video) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.videos[v.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Title = v.Title
	existing.Description = v.Description
	existing.Visibility = v.Visibility
	existing.AllowedUserIDs = v.AllowedUserIDs
	existing.UpdatedAt = time.Now().UTC()
	f.videos[v.ID] = existing
	return nil
}

func (f *fakeStore) DeleteVideo(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.videos[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.videos, id)
	return nil
}

func (f *fakeStore) RequeueVideo(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.videos[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Status = models.VideoStatusProcessing
	v.ProcessingProgress = 0
	f.videos[id] = v
	return nil
}

func (f *fakeStore) SetSensitivityReview(_ context.Context, id, reviewerID, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.videos[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Sensitivity.ReviewedBy = &reviewerID
	v.Sensitivity.ReviewNotes = &notes
	f.videos[id] = v
	return nil
}

func (f *fakeStore) RecordView(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.videos[id]
	if !ok {
		return store.ErrNotFound
	}
	v.ViewCount++
	v.LastViewedAt = &at
	f.videos[id] = v
	return nil
}

var _ Store = (*fakeStore)(nil)
