// Package worker implements the Processing Worker: a bounded-concurrency
// consumer of the Job Queue that orchestrates probe -> thumbnail -> analyze
// -> finalize for each uploaded video, emitting progress to the Realtime Hub
// at each stage, per spec.md 4.6. Each pipeline stage is a plain function
// returning success or a stage-specific error, kept separate from queue and
// hub plumbing so the orchestration itself stays pure I/O, per spec.md 9's
// "Worker orchestration" redesign note.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"videovault/internal/blobstore"
	"videovault/internal/media"
	"videovault/internal/models"
	"videovault/internal/observability/metrics"
	"videovault/internal/queue"
	"videovault/internal/realtime"
	"videovault/internal/sensitivity"
	"videovault/internal/store"
)

// VideoStore is the narrow slice of the Document Store the worker needs,
// satisfied by *store.Store in production and by an in-memory fake in tests.
type VideoStore interface {
	GetVideo(ctx context.Context, id string) (models.Video, error)
	UpdateVideoProgress(ctx context.Context, id string, status models.VideoStatus, progress int) error
	FinalizeVideo(ctx context.Context, id string, meta models.VideoMetadata, thumbnailKey *string, sens models.Sensitivity) error
	FailVideo(ctx context.Context, id string) error
}

// thumbnailAtSecond is the timestamp, per spec.md 4.6 step 3, the Media
// Adapter renders the thumbnail frame from.
const thumbnailAtSecond = 1.0

// Config configures a Worker.
type Config struct {
	Store          VideoStore
	Queue          queue.Backend
	Blob           blobstore.Backend
	Media          media.Adapter
	Hub            ProgressPublisher
	Concurrency    int
	AttemptTimeout time.Duration
	WorkDir        string
	Logger         *slog.Logger
}

// ProgressPublisher is the exact shape the worker needs from the Realtime
// Hub; *realtime.Hub satisfies it.
type ProgressPublisher interface {
	EmitProgress(orgID, videoID string, progress int, stage, message string)
	EmitComplete(orgID string, payload realtime.CompletePayload)
	EmitFailed(orgID string, payload realtime.FailedPayload)
}

// Worker consumes Processing Jobs with bounded concurrency.
type Worker struct {
	store          VideoStore
	queue          queue.Backend
	blob           blobstore.Backend
	media          media.Adapter
	hub            ProgressPublisher
	concurrency    int
	attemptTimeout time.Duration
	workDir        string
	logger         *slog.Logger
}

// New constructs a Worker from cfg, defaulting concurrency to 3 (spec.md 5's
// "N concurrent task slots (default 3)") and the per-attempt timeout to 5
// minutes (spec.md 3's Processing Job settings).
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:          cfg.Store,
		queue:          cfg.Queue,
		blob:           cfg.Blob,
		media:          cfg.Media,
		hub:            cfg.Hub,
		concurrency:    concurrency,
		attemptTimeout: timeout,
		workDir:        workDir,
		logger:         logger,
	}
}

// Run blocks, consuming jobs across w.concurrency goroutines until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.concurrency; i++ {
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < w.concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := w.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("worker: consume failed", "error", err)
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
		w.runAttempt(attemptCtx, job)
		cancel()
	}
}

// runAttempt executes one full processing attempt for job, per spec.md 4.6's
// five numbered steps. Every attempt restarts from step 1 and resets
// progress, satisfying the spec's "each attempt restarts from step 1"
// ordering guarantee.
func (w *Worker) runAttempt(ctx context.Context, job queue.Job) {
	videoID := job.VideoID
	started := time.Now()
	defer func() {
		metrics.QueueJobDuration.Observe(time.Since(started).Seconds())
	}()

	video, err := w.store.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Error("worker: video missing, failing job terminally", "video_id", videoID)
			if failErr := w.queue.FailTerminal(ctx, job, fmt.Errorf("video not found")); failErr != nil {
				w.logger.Error("worker: queue fail terminal", "error", failErr, "video_id", videoID)
			}
			return
		}
		w.failAttempt(ctx, job, videoID, "", err)
		return
	}

	if err := w.setProgress(ctx, job, video, 0, "starting", ""); err != nil {
		w.logger.Warn("worker: set initial progress", "error", err, "video_id", videoID)
	}

	localPath, cleanup, err := w.downloadOriginal(ctx, video)
	if err != nil {
		w.failAttempt(ctx, job, videoID, video.OrganizationID, fmt.Errorf("download original: %w", err))
		return
	}
	defer cleanup()

	probe, err := w.media.Probe(ctx, localPath)
	if err != nil {
		w.failAttempt(ctx, job, videoID, video.OrganizationID, fmt.Errorf("probe metadata: %w", err))
		return
	}
	meta := probe.Metadata
	if err := w.setProgress(ctx, job, video, 20, "probed", ""); err != nil {
		w.logger.Warn("worker: set probe progress", "error", err, "video_id", videoID)
	}

	thumbnailKey := w.generateThumbnail(ctx, video, localPath)
	if err := w.setProgress(ctx, job, video, 40, "thumbnail", ""); err != nil {
		w.logger.Warn("worker: set thumbnail progress", "error", err, "video_id", videoID)
	}

	sens := sensitivity.Analyze(sensitivity.Input{
		Metadata:         meta,
		FileSizeBytes:    video.FileSize,
		OriginalFilename: video.OriginalFilename,
		ContainerFormat:  meta.Format,
	})
	if err := w.setProgress(ctx, job, video, 85, "analyzed", ""); err != nil {
		w.logger.Warn("worker: set analysis progress", "error", err, "video_id", videoID)
	}

	if err := w.store.FinalizeVideo(ctx, videoID, meta, thumbnailKey, sens); err != nil {
		w.failAttempt(ctx, job, videoID, video.OrganizationID, fmt.Errorf("finalize video: %w", err))
		return
	}
	if err := w.queue.Succeed(ctx, job.ID); err != nil {
		w.logger.Warn("worker: mark job succeeded", "error", err, "video_id", videoID)
	}
	w.hub.EmitComplete(video.OrganizationID, realtime.CompletePayload{
		VideoID:      videoID,
		Status:       models.VideoStatusCompleted,
		Sensitivity:  sens,
		ThumbnailKey: thumbnailKey,
		Duration:     meta.DurationSeconds,
		Resolution:   meta.Resolution,
	})
}

func (w *Worker) setProgress(ctx context.Context, job queue.Job, video models.Video, progress int, stage, message string) error {
	if err := w.store.UpdateVideoProgress(ctx, video.ID, models.VideoStatusProcessing, progress); err != nil {
		return err
	}
	if err := w.queue.Progress(ctx, job.ID, progress); err != nil {
		w.logger.Warn("worker: queue progress", "error", err, "video_id", video.ID)
	}
	w.hub.EmitProgress(video.OrganizationID, video.ID, progress, stage, message)
	return nil
}

// failAttempt marks the video failed and tells the queue so its retry
// policy can decide whether to schedule another attempt. The hub -- the
// only user-visible channel for worker errors, per spec.md 7's propagation
// policy -- is notified only when the failure is terminal: a retry-eligible
// failure is invisible to clients, which either see later progress from the
// next attempt or a single failed event once retries are exhausted.
func (w *Worker) failAttempt(ctx context.Context, job queue.Job, videoID, orgID string, cause error) {
	w.logger.Error("worker: attempt failed", "error", cause, "video_id", videoID)
	if err := w.store.FailVideo(ctx, videoID); err != nil {
		w.logger.Error("worker: mark video failed", "error", err, "video_id", videoID)
	}
	terminal, err := w.queue.Fail(ctx, job, cause)
	if err != nil {
		w.logger.Error("worker: queue fail", "error", err, "video_id", videoID)
	}
	if terminal && orgID != "" {
		w.hub.EmitFailed(orgID, realtime.FailedPayload{VideoID: videoID, Error: cause.Error()})
	}
}

// downloadOriginal pulls the full original blob to a local temp file; the
// Media Adapter's ffprobe/ffmpeg binaries need a filesystem path, not a
// stream.
func (w *Worker) downloadOriginal(ctx context.Context, video models.Video) (string, func(), error) {
	size, err := w.blob.Size(ctx, video.StorageKey)
	if err != nil {
		return "", func() {}, err
	}
	if size <= 0 {
		return "", func() {}, fmt.Errorf("empty blob for storage key %s", video.StorageKey)
	}
	reader, err := w.blob.GetRange(ctx, video.StorageKey, 0, size-1)
	if err != nil {
		return "", func() {}, err
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(w.workDir, "videovault-worker-*")
	if err != nil {
		return "", func() {}, err
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", func() {}, err
	}
	tmp.Close()
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// generateThumbnail renders and uploads a thumbnail, per spec.md 4.6 step 3.
// Thumbnail failure is non-fatal: it is logged and the attempt continues
// with a nil thumbnail key.
func (w *Worker) generateThumbnail(ctx context.Context, video models.Video, localPath string) *string {
	tmp, err := os.CreateTemp(w.workDir, "videovault-thumb-*.jpg")
	if err != nil {
		w.logger.Warn("worker: create thumbnail temp file", "error", err, "video_id", video.ID)
		return nil
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := w.media.Thumbnail(ctx, localPath, tmp.Name(), thumbnailAtSecond); err != nil {
		w.logger.Warn("worker: generate thumbnail", "error", err, "video_id", video.ID)
		return nil
	}
	file, err := os.Open(tmp.Name())
	if err != nil {
		w.logger.Warn("worker: reopen thumbnail", "error", err, "video_id", video.ID)
		return nil
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		w.logger.Warn("worker: stat thumbnail", "error", err, "video_id", video.ID)
		return nil
	}
	key := blobstore.ThumbnailKey(video.ID)
	if err := w.blob.Put(ctx, key, file, info.Size(), "image/jpeg"); err != nil {
		w.logger.Warn("worker: upload thumbnail", "error", err, "video_id", video.ID)
		return nil
	}
	return &key
}
