package api

import (
	"context"
	"log/slog"
	"time"

	"videovault/internal/blobstore"
	"videovault/internal/models"
	"videovault/internal/queue"
	"videovault/internal/realtime"
	"videovault/internal/store"
	"videovault/internal/tokens"
)

// Store is the slice of the Document Store the HTTP surface depends on,
// satisfied by *store.Store in production and by an in-memory fake in
// tests, the same stand-in pattern the queue and blob store use.
type Store interface {
	Ping(ctx context.Context) error

	CreateOrganization(ctx context.Context, org models.Organization) error
	GetOrganizationBySlug(ctx context.Context, slug string) (models.Organization, error)
	SetOrganizationOwner(ctx context.Context, orgID, ownerID string) error

	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	SetRefreshToken(ctx context.Context, userID, expectedTokenHash, newTokenHash string) error
	ClearRefreshToken(ctx context.Context, userID string) error

	CreateVideo(ctx context.Context, v models.Video) error
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideosByOrganization(ctx context.Context, orgID string, limit, offset int) ([]models.Video, error)
	ListFlaggedVideos(ctx context.Context, orgID string) ([]models.Video, error)
	UpdateVideoMetadata(ctx context.Context, v models.Video) error
	DeleteVideo(ctx context.Context, id string) error
	RequeueVideo(ctx context.Context, id string) error
	SetSensitivityReview(ctx context.Context, id, reviewerID, notes string) error
	RecordView(ctx context.Context, id string, at time.Time) error
}

var _ Store = (*store.Store)(nil)

// UploadLimits bounds what the Upload Handler accepts, set from
// configuration, per spec.md 4.4 and 6's "maximum upload size, allowed
// video formats" configuration items. The same limits apply to every
// organization; an organization's stored settings do not override them.
type UploadLimits struct {
	MaxVideoSizeMB int
	AllowedFormats []string
}

// Handler wires every collaborator the HTTP surface needs. Constructed once
// at bootstrap and passed by reference to the router, mirroring the
// teacher's *Handler in internal/api/handlers.go.
type Handler struct {
	Store  Store
	Queue  queue.Backend
	Blob   blobstore.Backend
	Tokens *tokens.Service
	Hub    *realtime.Hub
	Logger *slog.Logger
	Audit  *slog.Logger

	Limits              UploadLimits
	BcryptCost          int
	SessionCookiePolicy SessionCookiePolicy
	StartedAt           time.Time
	Version             string
}

// New constructs a Handler, defaulting loggers to slog.Default() and the
// cookie policy to DefaultSessionCookiePolicy() when omitted, the same
// fallback convention the teacher's constructors use.
func New(st Store, q queue.Backend, blob blobstore.Backend, tok *tokens.Service, hub *realtime.Hub, limits UploadLimits, logger, audit *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = logger
	}
	return &Handler{
		Store:               st,
		Queue:               q,
		Blob:                blob,
		Tokens:              tok,
		Hub:                 hub,
		Logger:              logger,
		Audit:               audit,
		Limits:              limits,
		SessionCookiePolicy: DefaultSessionCookiePolicy(),
		StartedAt:           time.Now(),
		Version:             "dev",
	}
}
