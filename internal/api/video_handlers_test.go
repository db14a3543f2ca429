package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"videovault/internal/models"
	"videovault/internal/queue"
)

// multipartUpload builds a multipart body with a "video" file part plus the
// given text fields.
func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("video", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf, mw.FormDataContentType()
}

func uploadRequest(t *testing.T, user models.User, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	body, contentType := multipartUpload(t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	return withSubject(req, user)
}

func seedVideo(t *testing.T, st *fakeStore, id, orgID, uploadedBy string, status models.VideoStatus, vis models.Visibility) models.Video {
	t.Helper()
	video := models.Video{
		ID:               id,
		Title:            "clip " + id,
		OriginalFilename: id + ".mp4",
		StorageKey:       "videos/" + id + ".mp4",
		FileSize:         64,
		Format:           "mp4",
		OrganizationID:   orgID,
		UploadedBy:       uploadedBy,
		Visibility:       vis,
		Status:           status,
	}
	if err := st.CreateVideo(context.Background(), video); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	return video
}

func TestCreateVideoStoresBlobRowAndJob(t *testing.T) {
	h, st, q, blob := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	content := bytes.Repeat([]byte{0xAB}, 2048)
	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "demo.mp4", content, map[string]string{"title": "demo", "visibility": "organization"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != models.VideoStatusProcessing || resp.ProcessingProgress != 0 {
		t.Fatalf("new video state = %s/%d, want processing/0", resp.Status, resp.ProcessingProgress)
	}
	if resp.OrganizationID != "org-1" || resp.UploadedBy != editor.ID {
		t.Fatalf("tenant/owner not recorded: %+v", resp.Video)
	}
	if resp.Visibility != models.VisibilityOrganization {
		t.Fatalf("visibility = %s, want organization", resp.Visibility)
	}

	size, err := blob.Size(context.Background(), resp.StorageKey)
	if err != nil || size != int64(len(content)) {
		t.Fatalf("blob size = %d/%v, want %d", size, err, len(content))
	}

	job, err := q.Consume(context.Background())
	if err != nil {
		t.Fatalf("expected an enqueued processing job: %v", err)
	}
	if job.VideoID != resp.ID {
		t.Fatalf("job video = %s, want %s", job.VideoID, resp.ID)
	}
}

func TestCreateVideoRejectedFormatLeavesNothingBehind(t *testing.T) {
	h, st, q, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "evil.exe", []byte("MZ"), map[string]string{"title": "nope"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	if videos, _ := st.ListVideosByOrganization(context.Background(), "org-1", 10, 0); len(videos) != 0 {
		t.Fatalf("expected no video rows, got %d", len(videos))
	}
	if _, err := q.Consume(context.Background()); err == nil {
		t.Fatal("expected no enqueued job")
	}
}

func TestCreateVideoSizeBoundary(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	atLimit := bytes.Repeat([]byte{0x01}, 1024*1024)
	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "exact.mp4", atLimit, map[string]string{"title": "exact"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload at exactly the limit: status = %d, want 201", rec.Code)
	}

	overLimit := bytes.Repeat([]byte{0x01}, 1024*1024+1)
	rec = httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "over.mp4", overLimit, map[string]string{"title": "over"}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("upload one byte over the limit: status = %d, want 413", rec.Code)
	}
}

func TestCreateVideoTitleBoundary(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "a.mp4", []byte("x"), map[string]string{"title": strings.Repeat("t", 200)}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("200-char title: status = %d, want 201", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "b.mp4", []byte("x"), map[string]string{"title": strings.Repeat("t", 201)}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("201-char title: status = %d, want 400", rec.Code)
	}
}

func TestCreateVideoRequiresEditor(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	viewer := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleViewer)

	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, viewer, "a.mp4", []byte("x"), map[string]string{"title": "nope"}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer upload: status = %d, want 403", rec.Code)
	}
}

func TestCreateVideoInvalidVisibility(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	rec := httptest.NewRecorder()
	h.CreateVideo(rec, uploadRequest(t, editor, "a.mp4", []byte("x"), map[string]string{"title": "t", "visibility": "everyone"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpdateVideoOwnershipRules(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	owner := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)
	other := seedUser(t, st, "user-2", "b@x.io", "org-1", models.RoleEditor)
	admin := seedUser(t, st, "user-3", "c@x.io", "org-1", models.RoleAdmin)
	video := seedVideo(t, st, "video-1", "org-1", owner.ID, models.VideoStatusCompleted, models.VisibilityOrganization)

	update := func(user models.User, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/videos/"+video.ID, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.UpdateVideo(rec, withSubject(req, user), video.ID)
		return rec
	}

	if rec := update(other, `{"title":"hijacked"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner editor update: status = %d, want 403", rec.Code)
	}
	if rec := update(owner, `{"title":"renamed"}`); rec.Code != http.StatusOK {
		t.Fatalf("owner update: status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec := update(admin, `{"visibility":"private"}`); rec.Code != http.StatusOK {
		t.Fatalf("admin update: status = %d, want 200", rec.Code)
	}

	got, _ := st.GetVideo(context.Background(), video.ID)
	if got.Title != "renamed" || got.Visibility != models.VisibilityPrivate {
		t.Fatalf("updates not persisted: %+v", got)
	}
}

func TestDeleteVideoTwice(t *testing.T) {
	h, st, _, blob := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	owner := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)
	video := seedVideo(t, st, "video-1", "org-1", owner.ID, models.VideoStatusCompleted, models.VisibilityPrivate)
	thumb := "thumbnails/video-1.jpg"
	st.mu.Lock()
	v := st.videos[video.ID]
	v.ThumbnailKey = &thumb
	st.videos[video.ID] = v
	st.mu.Unlock()
	if err := blob.Put(context.Background(), video.StorageKey, strings.NewReader("bytes"), 5, "video/mp4"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	if err := blob.Put(context.Background(), thumb, strings.NewReader("jpeg"), 4, "image/jpeg"); err != nil {
		t.Fatalf("seed thumbnail: %v", err)
	}

	rec := httptest.NewRecorder()
	h.DeleteVideo(rec, withSubject(httptest.NewRequest(http.MethodDelete, "/api/videos/video-1", nil), owner), video.ID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first delete: status = %d, want 204", rec.Code)
	}
	if _, err := blob.Size(context.Background(), video.StorageKey); err == nil {
		t.Fatal("expected the original blob to be deleted")
	}
	if _, err := blob.Size(context.Background(), thumb); err == nil {
		t.Fatal("expected the thumbnail blob to be deleted")
	}

	rec = httptest.NewRecorder()
	h.DeleteVideo(rec, withSubject(httptest.NewRequest(http.MethodDelete, "/api/videos/video-1", nil), owner), video.ID)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestReprocessVideoOnlyWhenFailed(t *testing.T) {
	h, st, q, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	owner := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)
	completed := seedVideo(t, st, "video-ok", "org-1", owner.ID, models.VideoStatusCompleted, models.VisibilityPrivate)
	failed := seedVideo(t, st, "video-bad", "org-1", owner.ID, models.VideoStatusFailed, models.VisibilityPrivate)

	rec := httptest.NewRecorder()
	h.ReprocessVideo(rec, withSubject(httptest.NewRequest(http.MethodPost, "/api/videos/video-ok/reprocess", nil), owner), completed.ID)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reprocess completed: status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ReprocessVideo(rec, withSubject(httptest.NewRequest(http.MethodPost, "/api/videos/video-bad/reprocess", nil), owner), failed.ID)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reprocess failed video: status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	got, _ := st.GetVideo(context.Background(), failed.ID)
	if got.Status != models.VideoStatusProcessing || got.ProcessingProgress != 0 {
		t.Fatalf("video not reset: %s/%d", got.Status, got.ProcessingProgress)
	}
	job, err := q.Consume(context.Background())
	if err != nil || job.VideoID != failed.ID {
		t.Fatalf("expected a requeued job for %s, got %+v/%v", failed.ID, job, err)
	}
	if job.Priority != queue.PriorityHigh {
		t.Fatalf("manual requeue should be high priority, got %v", job.Priority)
	}
}

func TestListVideosFiltersAndVisibility(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	owner := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)
	viewer := seedUser(t, st, "user-2", "b@x.io", "org-1", models.RoleViewer)

	seedVideo(t, st, "vid-org", "org-1", owner.ID, models.VideoStatusCompleted, models.VisibilityOrganization)
	seedVideo(t, st, "vid-private", "org-1", owner.ID, models.VideoStatusCompleted, models.VisibilityPrivate)
	seedVideo(t, st, "vid-processing", "org-1", owner.ID, models.VideoStatusProcessing, models.VisibilityOrganization)

	list := func(user models.User, target string) videoListResponse {
		rec := httptest.NewRecorder()
		h.ListVideos(rec, withSubject(httptest.NewRequest(http.MethodGet, target, nil), user))
		if rec.Code != http.StatusOK {
			t.Fatalf("list status = %d (body %s)", rec.Code, rec.Body.String())
		}
		var resp videoListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	if resp := list(owner, "/api/videos"); resp.Total != 3 {
		t.Fatalf("owner sees %d videos, want 3", resp.Total)
	}
	// Another member must not see the owner's private video.
	if resp := list(viewer, "/api/videos"); resp.Total != 2 {
		t.Fatalf("viewer sees %d videos, want 2", resp.Total)
	}
	if resp := list(owner, "/api/videos?status=processing"); resp.Total != 1 || resp.Videos[0].ID != "vid-processing" {
		t.Fatalf("status filter returned %+v", resp)
	}
	if resp := list(owner, "/api/videos?search=vid-private"); resp.Total != 1 {
		t.Fatalf("search filter returned %d, want 1", resp.Total)
	}

	st.mu.Lock()
	v := st.videos["vid-org"]
	v.Sensitivity.Status = models.SensitivityStatusFlagged
	st.videos["vid-org"] = v
	st.mu.Unlock()
	if resp := list(owner, "/api/videos?sensitivity_status=flagged"); resp.Total != 1 || resp.Videos[0].ID != "vid-org" {
		t.Fatalf("sensitivity filter returned %+v", resp)
	}
}

func TestFlaggedVideosListsOnlyFlagged(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	admin := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleAdmin)
	flagged := seedVideo(t, st, "vid-flagged", "org-1", admin.ID, models.VideoStatusCompleted, models.VisibilityOrganization)
	seedVideo(t, st, "vid-safe", "org-1", admin.ID, models.VideoStatusCompleted, models.VisibilityOrganization)
	st.mu.Lock()
	v := st.videos[flagged.ID]
	v.Sensitivity.Status = models.SensitivityStatusFlagged
	st.videos[flagged.ID] = v
	st.mu.Unlock()

	rec := httptest.NewRecorder()
	h.FlaggedVideos(rec, withSubject(httptest.NewRequest(http.MethodGet, "/api/videos/flagged", nil), admin))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp videoListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Videos) != 1 || resp.Videos[0].ID != flagged.ID {
		t.Fatalf("flagged list = %+v, want only %s", resp.Videos, flagged.ID)
	}
}

func TestReviewSensitivityRecordsReviewer(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	admin := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleAdmin)
	video := seedVideo(t, st, "video-1", "org-1", admin.ID, models.VideoStatusCompleted, models.VisibilityOrganization)

	req := httptest.NewRequest(http.MethodPatch, "/api/videos/video-1/sensitivity", strings.NewReader(`{"notes":"false positive"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ReviewSensitivity(rec, withSubject(req, admin), video.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	got, _ := st.GetVideo(context.Background(), video.ID)
	if got.Sensitivity.ReviewedBy == nil || *got.Sensitivity.ReviewedBy != admin.ID {
		t.Fatalf("reviewer not recorded: %+v", got.Sensitivity)
	}
	if got.Sensitivity.ReviewNotes == nil || *got.Sensitivity.ReviewNotes != "false positive" {
		t.Fatalf("notes not recorded: %+v", got.Sensitivity)
	}
}

func TestCreateVideoRejectsNonMultipart(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	seedOrg(t, st, "org-1", "acme")
	editor := seedUser(t, st, "user-1", "a@x.io", "org-1", models.RoleEditor)

	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{"title":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.CreateVideo(rec, withSubject(req, editor))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
