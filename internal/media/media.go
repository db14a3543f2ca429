// Package media wraps the local ffprobe/ffmpeg toolchain the Processing
// Worker uses to probe an uploaded video's metadata and render a
// thumbnail. Unlike the rest of the system's external collaborators this
// one is a local binary, not a network service, so it is invoked via
// os/exec rather than an HTTP client.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"videovault/internal/models"
)

// ProbeResult is a parsed subset of ffprobe's output, mapped onto the
// fields the data model tracks.
type ProbeResult struct {
	Metadata models.VideoMetadata
}

// HealthStatus reports whether a local tool is reachable and usable,
// mirroring the shape of a remote-dependency health check even though
// there is no network round trip involved.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Adapter probes and thumbnails video files. Implementations must be safe
// for concurrent use; the Processing Worker calls both methods from many
// goroutines at once.
type Adapter interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
	Thumbnail(ctx context.Context, sourcePath, destPath string, atSecond float64) error
	HealthChecks(ctx context.Context) []HealthStatus
}

// Tool shells out to real ffprobe/ffmpeg binaries.
type Tool struct {
	FFprobePath string
	FFmpegPath  string
	Timeout     time.Duration
}

// New constructs a Tool, defaulting binary paths to "ffprobe"/"ffmpeg" on
// $PATH and the timeout to 30s.
func New(ffprobePath, ffmpegPath string, timeout time.Duration) *Tool {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tool{FFprobePath: ffprobePath, FFmpegPath: ffmpegPath, Timeout: timeout}
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe against path with a kill deadline and decodes its
// JSON report into a VideoMetadata.
func (t *Tool) Probe(ctx context.Context, path string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("media: ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("media: parse ffprobe output: %w", err)
	}

	meta := models.VideoMetadata{
		DurationSeconds: parseFloat(parsed.Format.Duration),
		Bitrate:         parseInt64(parsed.Format.BitRate),
		Format:          parsed.Format.FormatName,
	}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			meta.Codec = s.CodecName
			meta.Resolution = models.Resolution{Width: s.Width, Height: s.Height}
			meta.FrameRate = parseFrameRate(s.AvgFrameRate)
		case "audio":
			if meta.AudioCodec == "" {
				meta.AudioCodec = s.CodecName
			}
		}
	}
	return ProbeResult{Metadata: meta}, nil
}

// Thumbnail renders a single JPEG frame at atSecond into destPath.
func (t *Tool) Thumbnail(ctx context.Context, sourcePath, destPath string, atSecond float64) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(atSecond, 'f', 2, 64),
		"-i", sourcePath,
		"-frames:v", "1",
		"-q:v", "2",
		destPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("media: ffmpeg thumbnail failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// HealthChecks reports whether the configured binaries can be located and
// invoked with -version.
func (t *Tool) HealthChecks(ctx context.Context) []HealthStatus {
	return []HealthStatus{
		checkBinary(ctx, "ffprobe", t.FFprobePath),
		checkBinary(ctx, "ffmpeg", t.FFmpegPath),
	}
}

func checkBinary(ctx context.Context, component, path string) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "-version").Run(); err != nil {
		return HealthStatus{Component: component, Status: "error", Detail: err.Error()}
	}
	return HealthStatus{Component: component, Status: "ok"}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

// parseFrameRate converts ffprobe's "num/den" avg_frame_rate into a float.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return parseFloat(s)
	}
	num := parseFloat(parts[0])
	den := parseFloat(parts[1])
	if den == 0 {
		return 0
	}
	return num / den
}

var _ Adapter = (*Tool)(nil)

// NoopAdapter performs no external calls, for tests and for deployments
// where video probing is intentionally disabled.
type NoopAdapter struct{}

// Probe implements Adapter by returning an empty result.
func (NoopAdapter) Probe(context.Context, string) (ProbeResult, error) { return ProbeResult{}, nil }

// Thumbnail implements Adapter by performing no work.
func (NoopAdapter) Thumbnail(context.Context, string, string, float64) error { return nil }

// HealthChecks reports media probing as disabled.
func (NoopAdapter) HealthChecks(context.Context) []HealthStatus {
	return []HealthStatus{{Component: "media", Status: "disabled"}}
}

var _ Adapter = NoopAdapter{}
