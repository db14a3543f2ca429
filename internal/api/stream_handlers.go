package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"videovault/internal/models"
)

var videoMIMETypes = map[string]string{
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"avi":  "video/x-msvideo",
}

func videoContentType(format string) string {
	if mime, ok := videoMIMETypes[strings.ToLower(format)]; ok {
		return mime
	}
	return "application/octet-stream"
}

const streamCopyChunk = 256 * 1024

// StreamVideo handles GET /api/stream/:id, implementing spec.md 4.9's
// byte-range algorithm: auth+tenant+visibility guards, a completed-status
// check, Range parsing, and a bounded-slice copy that never buffers the
// full chunk in memory.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.loadVisibleVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	switch video.Status {
	case models.VideoStatusCompleted:
	case models.VideoStatusFailed:
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "video processing failed"})
		return
	default:
		WriteJSON(w, http.StatusAccepted, videoStatusResponse{Status: video.Status, Progress: video.ProcessingProgress})
		return
	}

	total, err := h.Blob.Size(r.Context(), video.StorageKey)
	if err != nil {
		h.Logger.Error("stream: blob size failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "video unavailable"})
		return
	}

	start, end, hasRange, rangeErr := parseRangeHeader(r.Header.Get("Range"), total)
	if rangeErr != nil {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		WriteRequestError(w, RequestError{Status: http.StatusRequestedRangeNotSatisfiable, CodeVal: "range_not_satisfiable", Message: "invalid range"})
		return
	}
	if !hasRange {
		start, end = 0, total-1
	}

	body, err := h.Blob.GetRange(r.Context(), video.StorageKey, start, end)
	if err != nil {
		h.Logger.Error("stream: blob get failed", "error", err, "video_id", id)
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "video unavailable"})
		return
	}
	defer body.Close()

	length := end - start + 1
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", videoContentType(video.Format))
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if hasRange {
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	copyBounded(r.Context(), w, body, length)

	go h.recordView(id)
}

// StreamThumbnail handles GET /api/stream/:id/thumbnail: the same auth and
// tenant rules as StreamVideo, serving the generated thumbnail blob.
func (h *Handler) StreamThumbnail(w http.ResponseWriter, r *http.Request, id string) {
	video, err := h.loadVisibleVideo(r, id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	if video.ThumbnailKey == nil {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "thumbnail not available"})
		return
	}

	total, err := h.Blob.Size(r.Context(), *video.ThumbnailKey)
	if err != nil {
		WriteRequestError(w, RequestError{Status: http.StatusNotFound, CodeVal: "not_found", Message: "thumbnail not available"})
		return
	}
	body, err := h.Blob.GetRange(r.Context(), *video.ThumbnailKey, 0, total-1)
	if err != nil {
		WriteRequestError(w, RequestError{Status: http.StatusInternalServerError, Message: "thumbnail unavailable"})
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
	copyBounded(r.Context(), w, body, total)
}

// recordView increments view_count asynchronously after headers have
// flushed, per spec.md 4.9 step 8; failures are best-effort and never
// affect delivery.
func (h *Handler) recordView(videoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Store.RecordView(ctx, videoID, time.Now()); err != nil {
		h.Logger.Warn("stream: record view failed", "error", err, "video_id", videoID)
	}
}

// parseRangeHeader parses a single "bytes=start-end" range per spec.md
// 4.9 step 5. Suffix ranges ("bytes=-500") and multi-range requests are not
// supported and are treated as not satisfiable, per spec.md 9.
func parseRangeHeader(header string, total int64) (start, end int64, hasRange bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, 0, false, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, errRangeInvalid
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false, errRangeInvalid
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, false, errRangeInvalid
	}
	start, convErr := strconv.ParseInt(parts[0], 10, 64)
	if convErr != nil || start < 0 {
		return 0, 0, false, errRangeInvalid
	}
	if parts[1] == "" {
		end = total - 1
	} else {
		end, convErr = strconv.ParseInt(parts[1], 10, 64)
		if convErr != nil {
			return 0, 0, false, errRangeInvalid
		}
	}
	if start > end || end >= total || total <= 0 {
		return 0, 0, false, errRangeInvalid
	}
	return start, end, true, nil
}

var errRangeInvalid = rangeNotSatisfiableError{}

type rangeNotSatisfiableError struct{}

func (rangeNotSatisfiableError) Error() string { return "range not satisfiable" }

// copyBounded streams exactly length bytes from src to w in fixed-size
// slices, never buffering the whole chunk, and aborts promptly if ctx is
// cancelled (client disconnect), per spec.md 4.9 steps 7-8.
func copyBounded(ctx context.Context, w io.Writer, src io.Reader, length int64) {
	buf := make([]byte, streamCopyChunk)
	remaining := length
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, readErr := src.Read(buf[:chunk])
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			remaining -= int64(n)
		}
		if readErr != nil {
			return
		}
	}
}
