// Package models defines the persisted entities shared across the video
// vault: organizations, users, and videos together with their embedded
// value objects.
package models

import "time"

// Role is a User's authorization level within its Organization.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// HasAtLeast reports whether the role meets or exceeds the required role in
// the viewer < editor < admin ordering.
func (r Role) HasAtLeast(required Role) bool {
	rank := map[Role]int{RoleViewer: 0, RoleEditor: 1, RoleAdmin: 2}
	return rank[r] >= rank[required]
}

// Visibility constrains who may read a Video's bytes.
type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

// VideoStatus tracks a Video's position in the upload -> processing ->
// terminal lifecycle.
type VideoStatus string

const (
	VideoStatusUploading  VideoStatus = "uploading"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// SensitivityStatus is the outcome of the sensitivity analyzer.
type SensitivityStatus string

const (
	SensitivityStatusPending SensitivityStatus = "pending"
	SensitivityStatusSafe    SensitivityStatus = "safe"
	SensitivityStatusFlagged SensitivityStatus = "flagged"
)

// SensitivityLevel is a coarse severity bucket derived from the score.
type SensitivityLevel string

const (
	SensitivityLevelLow     SensitivityLevel = "low"
	SensitivityLevelMedium  SensitivityLevel = "medium"
	SensitivityLevelHigh    SensitivityLevel = "high"
	SensitivityLevelUnknown SensitivityLevel = "unknown"
)

// OrganizationSettings holds the per-tenant limits enforced by the Upload
// Handler.
type OrganizationSettings struct {
	MaxStorageGB   int      `json:"maxStorageGb"`
	MaxVideoSizeMB int      `json:"maxVideoSizeMb"`
	AllowedFormats []string `json:"allowedFormats"`
}

// Organization is the tenant-isolation boundary: every User and Video
// belongs to exactly one.
type Organization struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Slug      string               `json:"slug"`
	OwnerID   *string              `json:"ownerId,omitempty"`
	Settings  OrganizationSettings `json:"settings"`
	Active    bool                 `json:"active"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// User is a member of exactly one Organization.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Name                string     `json:"name"`
	Role                Role       `json:"role"`
	OrganizationID      string     `json:"organizationId"`
	Active              bool       `json:"active"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	RefreshTokenCurrent *string    `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HasRole reports whether the user's role meets the named minimum, matching
// the {viewer, editor, admin} ordering in the data model.
func (u User) HasRole(minimum Role) bool {
	return u.Role.HasAtLeast(minimum)
}

// Resolution is a probed video frame size.
type Resolution struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// VideoMetadata holds the facts the Media Adapter probes from the original
// file.
type VideoMetadata struct {
	DurationSeconds float64    `json:"durationSeconds"`
	Resolution      Resolution `json:"resolution"`
	Codec           string     `json:"codec"`
	Bitrate         int64      `json:"bitrate"`
	FrameRate       float64    `json:"frameRate"`
	AudioCodec      string     `json:"audioCodec"`
	Format          string     `json:"format"`
}

// Sensitivity is the persisted output of the Sensitivity Analyzer, including
// the moderation fields a reviewer may fill in later.
type Sensitivity struct {
	Level           SensitivityLevel  `json:"level"`
	Score           float64           `json:"score"`
	Status          SensitivityStatus `json:"status"`
	Categories      []string          `json:"categories"`
	AnalysisDetails string            `json:"analysisDetails"`
	AnalyzedAt      *time.Time        `json:"analyzedAt,omitempty"`
	ReviewedBy      *string           `json:"reviewedBy,omitempty"`
	ReviewNotes     *string           `json:"reviewNotes,omitempty"`
}

// Video is owned exclusively by the Organization that created it.
type Video struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	OriginalFilename    string        `json:"originalFilename"`
	StorageKey          string        `json:"storageKey"`
	FileSize            int64         `json:"fileSize"`
	Format              string        `json:"format"`
	OrganizationID      string        `json:"organizationId"`
	UploadedBy          string        `json:"uploadedBy"`
	Visibility          Visibility    `json:"visibility"`
	AllowedUserIDs      []string      `json:"allowedUserIds,omitempty"`
	Status              VideoStatus   `json:"status"`
	ProcessingProgress  int           `json:"processingProgress"`
	Metadata            VideoMetadata `json:"metadata"`
	ThumbnailKey        *string       `json:"thumbnailKey,omitempty"`
	Sensitivity         Sensitivity   `json:"sensitivity"`
	ViewCount           int64         `json:"viewCount"`
	LastViewedAt        *time.Time    `json:"lastViewedAt,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// CanRead reports whether a subject with the given id and role, scoped to
// tenantID, may read this Video's bytes or metadata. It applies the tenant
// guard itself: organization and private videos are readable only when
// tenantID matches the video's organization_id.
func (v Video) CanRead(subjectID string, role Role, tenantID string) bool {
	switch v.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityOrganization:
		return v.OrganizationID == tenantID
	default: // private
		if v.OrganizationID != tenantID {
			return false
		}
		if role == RoleAdmin || subjectID == v.UploadedBy {
			return true
		}
		for _, id := range v.AllowedUserIDs {
			if id == subjectID {
				return true
			}
		}
		return false
	}
}

// ProcessingJob is the queue payload the Processing Worker consumes.
type ProcessingJob struct {
	VideoID    string    `json:"videoId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
