// Package store persists Organizations, Users, and Videos to Postgres. It
// is the single source of truth the rest of the system reads through; the
// Job Queue and Blob Store hold working data the Document Store references
// by id, never the other way around.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"videovault/internal/models"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint (an organization slug or
// a user email) would be violated.
var ErrConflict = errors.New("store: conflict")

// ErrStaleRefreshToken is returned by SetRefreshToken when the expected
// current token does not match what is stored, signalling refresh-token
// reuse.
var ErrStaleRefreshToken = errors.New("store: stale refresh token")

const defaultTimeout = 5 * time.Second

// Store is a Postgres-backed Document Store.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	timeout time.Duration
}

// WithTimeout bounds how long a single operation waits on Postgres.
func WithTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Open connects to Postgres using dsn and returns a ready Store.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	options := storeOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Store{pool: pool, timeout: options.timeout}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks Postgres connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// ---- Organizations ----------------------------------------------------

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org models.Organization) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
INSERT INTO organizations (id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, org.ID, org.Name, org.Slug, org.OwnerID, org.Settings.MaxStorageGB, org.Settings.MaxVideoSizeMB,
		org.Settings.AllowedFormats, org.Active, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: create organization: %w", err)
	}
	return nil
}

// GetOrganization fetches an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (models.Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active, created_at, updated_at
FROM organizations WHERE id = $1
`, id)
	return scanOrganization(row)
}

// GetOrganizationBySlug fetches an organization by its unique slug, used by
// registration to detect whether an organization name is already taken.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (models.Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active, created_at, updated_at
FROM organizations WHERE slug = $1
`, slug)
	return scanOrganization(row)
}

// SetOrganizationOwner fills owner_id once the owner's User row exists, per
// spec.md 3's "owner_id filled once the owner's User row exists".
func (s *Store) SetOrganizationOwner(ctx context.Context, orgID, ownerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE organizations SET owner_id = $2, updated_at = now() WHERE id = $1`, orgID, ownerID)
	return err
}

func scanOrganization(row pgx.Row) (models.Organization, error) {
	var org models.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.OwnerID, &org.Settings.MaxStorageGB,
		&org.Settings.MaxVideoSizeMB, &org.Settings.AllowedFormats, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if isNoRows(err) {
			return models.Organization{}, ErrNotFound
		}
		return models.Organization{}, fmt.Errorf("store: scan organization: %w", err)
	}
	return org, nil
}

// ---- Users -------------------------------------------------------------

// CreateUser inserts a new user, enforcing unique email via ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user models.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, email, password_hash, name, role, organization_id, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, user.ID, user.Email, user.PasswordHash, user.Name, user.Role, user.OrganizationID, user.Active,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// SetUserRole updates a user's role, used by the admin bootstrap tool to
// promote an organization's first account.
func (s *Store) SetUserRole(ctx context.Context, userID string, role models.Role) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE users SET role = $2, updated_at = now() WHERE id = $1`, userID, role)
	return err
}

// UpdateUserProfile updates a user's display name and password hash, used by
// the admin bootstrap tool when re-running against an existing account.
func (s *Store) UpdateUserProfile(ctx context.Context, userID, name, passwordHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE users SET name = $2, password_hash = $3, updated_at = now() WHERE id = $1`, userID, name, passwordHash)
	return err
}

// GetUserByEmail fetches a user by email, case-sensitively as stored.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT id, email, password_hash, name, role, organization_id, active, last_login_at, refresh_token_current, created_at, updated_at
FROM users WHERE email = $1
`, email)
	return scanUser(row)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT id, email, password_hash, name, role, organization_id, active, last_login_at, refresh_token_current, created_at, updated_at
FROM users WHERE id = $1
`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.OrganizationID, &u.Active,
		&u.LastLoginAt, &u.RefreshTokenCurrent, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if isNoRows(err) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("store: scan user: %w", err)
	}
	return u, nil
}

// TouchLastLogin records the time of a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, userID, at.UTC())
	return err
}

// SetRefreshToken installs newTokenHash as the user's current refresh
// token, but only if the stored value still equals expectedTokenHash. A
// mismatch returns ErrStaleRefreshToken so the caller can treat it as
// token reuse. An empty expectedTokenHash installs unconditionally: a
// fresh login supersedes whatever session came before it.
func (s *Store) SetRefreshToken(ctx context.Context, userID, expectedTokenHash, newTokenHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET refresh_token_current = $3, updated_at = now()
WHERE id = $1 AND ($2 = '' OR refresh_token_current = $2)
`, userID, expectedTokenHash, newTokenHash)
	if err != nil {
		return fmt.Errorf("store: set refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRefreshToken
	}
	return nil
}

// ClearRefreshToken revokes the user's current refresh token (logout).
func (s *Store) ClearRefreshToken(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE users SET refresh_token_current = NULL, updated_at = now() WHERE id = $1`, userID)
	return err
}

// ---- Videos --------------------------------------------------------------

// CreateVideo inserts a new video row with the status the caller sets on v.
func (s *Store) CreateVideo(ctx context.Context, v models.Video) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
INSERT INTO videos (
  id, title, description, original_filename, storage_key, file_size, format,
  organization_id, uploaded_by, visibility, allowed_user_ids, status,
  processing_progress, sensitivity_status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`, v.ID, v.Title, v.Description, v.OriginalFilename, v.StorageKey, v.FileSize, v.Format,
		v.OrganizationID, v.UploadedBy, v.Visibility, v.AllowedUserIDs, v.Status,
		v.ProcessingProgress, models.SensitivityStatusPending, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create video: %w", err)
	}
	return nil
}

// GetVideo fetches a video by id, scoped to nothing -- tenant and
// visibility checks are the caller's responsibility (see models.Video.CanRead).
func (s *Store) GetVideo(ctx context.Context, id string) (models.Video, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, videoSelectColumns+` FROM videos WHERE id = $1`, id)
	return scanVideo(row)
}

// ListVideosByOrganization returns videos for the tenant, newest first.
func (s *Store) ListVideosByOrganization(ctx context.Context, orgID string, limit, offset int) ([]models.Video, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, videoSelectColumns+`
FROM videos WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list videos: %w", err)
	}
	defer rows.Close()
	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListFlaggedVideos returns videos flagged by the sensitivity analyzer for
// the tenant, newest first.
func (s *Store) ListFlaggedVideos(ctx context.Context, orgID string) ([]models.Video, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, videoSelectColumns+`
FROM videos WHERE organization_id = $1 AND sensitivity_status = $2 ORDER BY created_at DESC
`, orgID, models.SensitivityStatusFlagged)
	if err != nil {
		return nil, fmt.Errorf("store: list flagged videos: %w", err)
	}
	defer rows.Close()
	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVideoMetadata updates title/description/visibility/allowed_user_ids.
func (s *Store) UpdateVideoMetadata(ctx context.Context, v models.Video) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET title = $2, description = $3, visibility = $4, allowed_user_ids = $5, updated_at = now()
WHERE id = $1
`, v.ID, v.Title, v.Description, v.Visibility, v.AllowedUserIDs)
	if err != nil {
		return fmt.Errorf("store: update video metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVideoProgress atomically advances a video's processing status and
// percentage; it is the only write path the Processing Worker uses while a
// job is in flight.
func (s *Store) UpdateVideoProgress(ctx context.Context, id string, status models.VideoStatus, progress int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET status = $2, processing_progress = $3, updated_at = now() WHERE id = $1
`, id, status, progress)
	if err != nil {
		return fmt.Errorf("store: update video progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeVideo records the terminal outcome of processing: metadata,
// thumbnail key, and sensitivity result together, in one statement, so a
// reader never observes a completed status with stale metadata.
func (s *Store) FinalizeVideo(ctx context.Context, id string, meta models.VideoMetadata, thumbnailKey *string, sens models.Sensitivity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET
  status = $2, processing_progress = 100,
  duration_seconds = $3, width = $4, height = $5, codec = $6, bitrate = $7, frame_rate = $8, audio_codec = $9, container_format = $10,
  thumbnail_key = $11,
  sensitivity_level = $12, sensitivity_score = $13, sensitivity_status = $14, sensitivity_categories = $15, sensitivity_analysis_details = $16, sensitivity_analyzed_at = $17,
  updated_at = $18
WHERE id = $1
`, id, models.VideoStatusCompleted, meta.DurationSeconds, meta.Resolution.Width, meta.Resolution.Height,
		meta.Codec, meta.Bitrate, meta.FrameRate, meta.AudioCodec, meta.Format,
		thumbnailKey,
		sens.Level, sens.Score, sens.Status, sens.Categories, sens.AnalysisDetails, now,
		now)
	if err != nil {
		return fmt.Errorf("store: finalize video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailVideo sets a video's status to failed. The worker calls it after every
// failed attempt; a later retry attempt sets the status back to processing.
func (s *Store) FailVideo(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `UPDATE videos SET status = $2, updated_at = now() WHERE id = $1`, id, models.VideoStatusFailed)
	if err != nil {
		return fmt.Errorf("store: fail video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueVideo resets a failed video to processing, progress 0, for a
// manual reprocess request.
func (s *Store) RequeueVideo(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET status = $2, processing_progress = 0, updated_at = now()
WHERE id = $1 AND status = $3
`, id, models.VideoStatusProcessing, models.VideoStatusFailed)
	if err != nil {
		return fmt.Errorf("store: requeue video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSensitivityReview records a moderator's decision on a flagged video.
func (s *Store) SetSensitivityReview(ctx context.Context, id, reviewerID, notes string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE videos SET sensitivity_reviewed_by = $2, sensitivity_review_notes = $3, updated_at = now() WHERE id = $1
`, id, reviewerID, notes)
	if err != nil {
		return fmt.Errorf("store: set sensitivity review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordView best-effort increments view_count and last_viewed_at. Callers
// fire this off after response headers flush and ignore the error, per
// spec.md's view_count being best-effort.
func (s *Store) RecordView(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `UPDATE videos SET view_count = view_count + 1, last_viewed_at = $2 WHERE id = $1`, id, at.UTC())
	return err
}

// DeleteVideo removes a video row.
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const videoSelectColumns = `
SELECT id, title, description, original_filename, storage_key, file_size, format,
  organization_id, uploaded_by, visibility, allowed_user_ids, status, processing_progress,
  duration_seconds, width, height, codec, bitrate, frame_rate, audio_codec, container_format,
  thumbnail_key,
  sensitivity_level, sensitivity_score, sensitivity_status, sensitivity_categories, sensitivity_analysis_details,
  sensitivity_analyzed_at, sensitivity_reviewed_by, sensitivity_review_notes,
  view_count, last_viewed_at, created_at, updated_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	if err := row.Scan(
		&v.ID, &v.Title, &v.Description, &v.OriginalFilename, &v.StorageKey, &v.FileSize, &v.Format,
		&v.OrganizationID, &v.UploadedBy, &v.Visibility, &v.AllowedUserIDs, &v.Status, &v.ProcessingProgress,
		&v.Metadata.DurationSeconds, &v.Metadata.Resolution.Width, &v.Metadata.Resolution.Height, &v.Metadata.Codec,
		&v.Metadata.Bitrate, &v.Metadata.FrameRate, &v.Metadata.AudioCodec, &v.Metadata.Format,
		&v.ThumbnailKey,
		&v.Sensitivity.Level, &v.Sensitivity.Score, &v.Sensitivity.Status, &v.Sensitivity.Categories, &v.Sensitivity.AnalysisDetails,
		&v.Sensitivity.AnalyzedAt, &v.Sensitivity.ReviewedBy, &v.Sensitivity.ReviewNotes,
		&v.ViewCount, &v.LastViewedAt, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("store: scan video: %w", err)
	}
	return v, nil
}
