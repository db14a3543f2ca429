package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"videovault/internal/blobstore"
	"videovault/internal/models"
	"videovault/internal/observability/metrics"
	"videovault/internal/queue"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 1000
)

type videoResponse struct {
	models.Video
}

type videoListResponse struct {
	Videos []models.Video `json:"videos"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type videoStatusResponse struct {
	Status            models.VideoStatus       `json:"status"`
	Progress          int                      `json:"progress"`
	SensitivityStatus models.SensitivityStatus `json:"sensitivityStatus,omitempty"`
}

// uploadedFile is a multipart "file" part saved to a temp path so its size
// is known before the blob store Put call, mirroring the teacher's
// save-then-attach pattern in uploads_handlers.go.
type uploadedFile struct {
	path        string
	size        int64
	filename    string
	contentType string
}

func (f *uploadedFile) cleanup() {
	if f != nil && f.path != "" {
		_ = os.Remove(f.path)
	}
}

// CreateVideo handles POST /api/videos: a multipart upload of the video
// bytes plus title/description/visibility fields, per spec.md 4.4. It
// validates format and size against the server-wide UploadLimits (the
// organization's stored settings are not consulted), writes
// the original to blob storage, creates the Video row in status=processing,
// and enqueues a processing job.
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	if !subject.Role.HasAtLeast(models.RoleEditor) {
		WriteRequestError(w, RequestError{Status: http.StatusForbidden, CodeVal: "forbidden", Message: "insufficient role"})
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		WriteRequestError(w, ValidationError("expected multipart/form-data upload"))
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		WriteRequestError(w, ValidationError("invalid multipart payload"))
		return
	}

	var file *uploadedFile
	var title, description, visibility string
	defer func() {
		if file != nil {
			file.cleanup()
		}
	}()

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			WriteRequestError(w, ValidationError("read multipart data: "+err.Error()))
			return
		}
		switch part.FormName() {
		case "video":
			if file != nil {
				_ = part.Close()
				continue
			}
			saved, saveErr := h.saveUploadPart(part)
			if saveErr != nil {
				// The router's body cap cuts an oversized stream off
				// mid-copy; report it as too large, not as a server fault.
				var maxErr *http.MaxBytesError
				if errors.As(saveErr, &maxErr) {
					metrics.UploadsTotal.WithLabelValues("rejected").Inc()
					WriteRequestError(w, RequestError{Status: http.StatusRequestEntityTooLarge, CodeVal: "request_too_large", Message: "video exceeds the maximum upload size"})
					return
				}
				WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to store upload"})
				return
			}
			file = saved
		case "title":
			title = readFormValue(part)
		case "description":
			description = readFormValue(part)
		case "visibility":
			visibility = readFormValue(part)
		default:
			_ = part.Close()
		}
	}

	if file == nil {
		WriteRequestError(w, FieldValidationError("video file is required", map[string]string{"video": "required"}))
		return
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSuffix(file.filename, fileExt(file.filename))
	}
	if title == "" || len(title) > maxTitleLen {
		WriteRequestError(w, FieldValidationError("title is invalid", map[string]string{"title": fmt.Sprintf("must be 1-%d characters", maxTitleLen)}))
		return
	}
	if len(description) > maxDescriptionLen {
		WriteRequestError(w, FieldValidationError("description is invalid", map[string]string{"description": fmt.Sprintf("must be at most %d characters", maxDescriptionLen)}))
		return
	}

	vis := models.Visibility(visibility)
	if vis == "" {
		vis = models.VisibilityPrivate
	}
	switch vis {
	case models.VisibilityPrivate, models.VisibilityOrganization, models.VisibilityPublic:
	default:
		WriteRequestError(w, FieldValidationError("visibility is invalid", map[string]string{"visibility": "must be private, organization, or public"}))
		return
	}

	format := strings.TrimPrefix(strings.ToLower(fileExt(file.filename)), ".")
	if !h.formatAllowed(format) {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		WriteRequestError(w, FieldValidationError("unsupported video format: "+format, map[string]string{"video": "unsupported format: " + format}))
		return
	}
	maxSizeBytes := int64(h.Limits.MaxVideoSizeMB) * 1024 * 1024
	if maxSizeBytes > 0 && file.size > maxSizeBytes {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		WriteRequestError(w, RequestError{Status: http.StatusRequestEntityTooLarge, CodeVal: "request_too_large", Message: "video exceeds the maximum upload size"})
		return
	}

	videoID := uuid.NewString()
	storageKey := blobstore.VideoKey(videoID, format)

	src, err := os.Open(file.path)
	if err != nil {
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to read upload"})
		return
	}
	putErr := h.Blob.Put(r.Context(), storageKey, src, file.size, file.contentType)
	src.Close()
	if putErr != nil {
		h.Logger.Error("upload: blob put failed", "error", putErr, "video_id", videoID)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to store video"})
		return
	}

	video := models.Video{
		ID:               videoID,
		Title:            title,
		Description:      description,
		OriginalFilename: file.filename,
		StorageKey:       storageKey,
		FileSize:         file.size,
		Format:           format,
		OrganizationID:   subject.TenantID,
		UploadedBy:       subject.ID,
		Visibility:       vis,
		Status:           models.VideoStatusProcessing,
	}
	if err := h.Store.CreateVideo(r.Context(), video); err != nil {
		_ = h.Blob.Delete(r.Context(), storageKey)
		h.Logger.Error("upload: create video row failed", "error", err, "video_id", videoID)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to record video"})
		return
	}

	if _, err := h.Queue.Enqueue(r.Context(), videoID, queue.PriorityNormal); err != nil {
		h.Logger.Error("upload: enqueue job failed", "error", err, "video_id", videoID)
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	h.Audit.Info("video uploaded", "video_id", videoID, "organization_id", subject.TenantID, "user_id", subject.ID)
	video, _ = h.Store.GetVideo(r.Context(), videoID)
	WriteJSON(w, http.StatusCreated, videoResponse{video})
}

func (h *Handler) saveUploadPart(part *multipart.Part) (*uploadedFile, error) {
	defer part.Close()
	tmp, err := os.CreateTemp("", "videovault-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &uploadedFile{
		path:        tmp.Name(),
		size:        written,
		filename:    part.FileName(),
		contentType: contentType,
	}, nil
}

func readFormValue(part *multipart.Part) string {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func fileExt(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

func (h *Handler) formatAllowed(format string) bool {
	if format == "" {
		return false
	}
	if len(h.Limits.AllowedFormats) == 0 {
		return true
	}
	for _, allowed := range h.Limits.AllowedFormats {
		if strings.EqualFold(allowed, format) {
			return true
		}
	}
	return false
}

// ListVideos handles GET /api/videos: a tenant-scoped, paginated listing
// with optional status filter, title search, and sort, per spec.md 6.
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}

	limit, offset := paginationParams(r)
	videos, err := h.Store.ListVideosByOrganization(r.Context(), subject.TenantID, limit*4, 0)
	if err != nil {
		h.Logger.Error("list videos failed", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to list videos"})
		return
	}

	query := r.URL.Query()
	statusFilter := models.VideoStatus(strings.TrimSpace(query.Get("status")))
	sensitivityFilter := models.SensitivityStatus(strings.TrimSpace(query.Get("sensitivity_status")))
	search := strings.ToLower(strings.TrimSpace(query.Get("search")))

	filtered := make([]models.Video, 0, len(videos))
	for _, v := range videos {
		if !v.CanRead(subject.ID, subject.Role, subject.TenantID) {
			continue
		}
		if statusFilter != "" && v.Status != statusFilter {
			continue
		}
		if sensitivityFilter != "" && v.Sensitivity.Status != sensitivityFilter {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(v.Title), search) {
			continue
		}
		filtered = append(filtered, v)
	}

	switch strings.ToLower(query.Get("sort")) {
	case "title":
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Title < filtered[j].Title })
	case "size":
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].FileSize > filtered[j].FileSize })
	default:
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	WriteJSON(w, http.StatusOK, videoListResponse{Videos: page, Total: total, Limit: limit, Offset: offset})
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// GetVideo handles GET /api/videos/:id.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.loadVisibleVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, videoResponse{video})
}

type updateVideoRequest struct {
	Title          *string            `json:"title"`
	Description    *string            `json:"description"`
	Visibility     *models.Visibility `json:"visibility"`
	AllowedUserIDs []string           `json:"allowedUserIds"`
}

// UpdateVideo handles PUT /api/videos/:id: only the uploader or an admin of
// the tenant may edit title/description/visibility/allowed_user_ids.
func (h *Handler) UpdateVideo(w http.ResponseWriter, r *http.Request, id string) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	video, err := h.loadTenantVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	if subject.Role != models.RoleAdmin && subject.ID != video.UploadedBy {
		WriteRequestError(w, RequestError{Status: http.StatusForbidden, CodeVal: "forbidden", Message: "only the uploader or an admin may edit this video"})
		return
	}

	var req updateVideoRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" || len(title) > maxTitleLen {
			WriteRequestError(w, FieldValidationError("title is invalid", map[string]string{"title": fmt.Sprintf("must be 1-%d characters", maxTitleLen)}))
			return
		}
		video.Title = title
	}
	if req.Description != nil {
		if len(*req.Description) > maxDescriptionLen {
			WriteRequestError(w, FieldValidationError("description is invalid", map[string]string{"description": fmt.Sprintf("must be at most %d characters", maxDescriptionLen)}))
			return
		}
		video.Description = *req.Description
	}
	if req.Visibility != nil {
		switch *req.Visibility {
		case models.VisibilityPrivate, models.VisibilityOrganization, models.VisibilityPublic:
			video.Visibility = *req.Visibility
		default:
			WriteRequestError(w, FieldValidationError("visibility is invalid", map[string]string{"visibility": "must be private, organization, or public"}))
			return
		}
	}
	if req.AllowedUserIDs != nil {
		video.AllowedUserIDs = req.AllowedUserIDs
	}

	if err := h.Store.UpdateVideoMetadata(r.Context(), video); err != nil {
		h.Logger.Error("update video failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to update video"})
		return
	}
	WriteJSON(w, http.StatusOK, videoResponse{video})
}

// DeleteVideo handles DELETE /api/videos/:id: only the uploader or an admin
// may delete, and the original plus thumbnail blobs are removed alongside
// the row.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request, id string) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	video, err := h.loadTenantVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	if subject.Role != models.RoleAdmin && subject.ID != video.UploadedBy {
		WriteRequestError(w, RequestError{Status: http.StatusForbidden, CodeVal: "forbidden", Message: "only the uploader or an admin may delete this video"})
		return
	}

	if err := h.Store.DeleteVideo(r.Context(), id); err != nil {
		h.Logger.Error("delete video failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to delete video"})
		return
	}
	_ = h.Blob.Delete(r.Context(), video.StorageKey)
	if video.ThumbnailKey != nil {
		_ = h.Blob.Delete(r.Context(), *video.ThumbnailKey)
	}
	h.Audit.Info("video deleted", "video_id", id, "organization_id", subject.TenantID, "user_id", subject.ID)
	w.WriteHeader(http.StatusNoContent)
}

// VideoStatus handles GET /api/videos/:id/status, a lightweight poll for
// clients preferring not to hold a realtime connection open.
func (h *Handler) VideoStatus(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.loadTenantVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, videoStatusResponse{
		Status:            video.Status,
		Progress:          video.ProcessingProgress,
		SensitivityStatus: video.Sensitivity.Status,
	})
}

// ReprocessVideo handles POST /api/videos/:id/reprocess: it resets a
// terminally failed video to processing and re-enqueues it, for an owner or
// admin to recover from a transient processing failure without
// re-uploading, per SPEC_FULL.md's supplemented operations.
func (h *Handler) ReprocessVideo(w http.ResponseWriter, r *http.Request, id string) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	video, err := h.loadTenantVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	if subject.Role != models.RoleAdmin && subject.ID != video.UploadedBy {
		WriteRequestError(w, RequestError{Status: http.StatusForbidden, CodeVal: "forbidden", Message: "only the uploader or an admin may reprocess this video"})
		return
	}
	if video.Status != models.VideoStatusFailed {
		WriteRequestError(w, ValidationError("only a failed video can be reprocessed"))
		return
	}
	if err := h.Store.RequeueVideo(r.Context(), id); err != nil {
		h.Logger.Error("reprocess video failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to reprocess video"})
		return
	}
	if _, err := h.Queue.Enqueue(r.Context(), id, queue.PriorityHigh); err != nil {
		h.Logger.Error("reprocess: enqueue job failed", "error", err, "video_id", id)
	}
	h.Audit.Info("video reprocess requested", "video_id", id, "user_id", subject.ID)
	WriteJSON(w, http.StatusAccepted, videoStatusResponse{Status: models.VideoStatusProcessing, Progress: 0})
}

type sensitivityReviewRequest struct {
	Notes string `json:"notes"`
}

// ReviewSensitivity handles PATCH /api/videos/:id/sensitivity: an
// admin-only moderation action recording who reviewed a flagged video and
// why, per SPEC_FULL.md's supplemented operations.
func (h *Handler) ReviewSensitivity(w http.ResponseWriter, r *http.Request, id string) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	if _, err := h.loadTenantVideo(r, id); err != nil {
		WriteRequestError(w, err)
		return
	}
	var req sensitivityReviewRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.Store.SetSensitivityReview(r.Context(), id, subject.ID, req.Notes); err != nil {
		h.Logger.Error("set sensitivity review failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to record review"})
		return
	}
	video, err := h.Store.GetVideo(r.Context(), id)
	if err != nil {
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to reload video"})
		return
	}
	WriteJSON(w, http.StatusOK, videoResponse{video})
}

// FlaggedVideos handles GET /api/videos/flagged: the admin-only moderation
// queue of videos the Sensitivity Analyzer flagged, per SPEC_FULL.md's
// supplemented operations.
func (h *Handler) FlaggedVideos(w http.ResponseWriter, r *http.Request) {
	subject, ok := SubjectFromContext(r.Context())
	if !ok {
		WriteRequestError(w, unauthorized("missing access token"))
		return
	}
	videos, err := h.Store.ListFlaggedVideos(r.Context(), subject.TenantID)
	if err != nil {
		h.Logger.Error("list flagged videos failed", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to list flagged videos"})
		return
	}
	WriteJSON(w, http.StatusOK, videoListResponse{Videos: videos, Total: len(videos), Limit: len(videos), Offset: 0})
}

// QueueStats handles GET /api/admin/queue/stats: admin-only queue
// observability, per SPEC_FULL.md's supplemented operations.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.Logger.Error("queue stats failed", "error", err)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "failed to read queue stats"})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
