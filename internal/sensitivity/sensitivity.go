// Package sensitivity implements the Analyzer: a pure scoring function
// over probed video metadata and file facts, per spec.md 4.7's rule
// table. It has no I/O and no third-party dependency -- it is arithmetic
// over already-decoded structs, the same way pure domain logic elsewhere
// in the system carries no imports beyond the standard library.
package sensitivity

import (
	"math"
	"strings"

	"videovault/internal/models"
)

// Input is everything the Analyzer needs: the probed metadata, the raw
// file size, the original filename, and the storage container format.
type Input struct {
	Metadata         models.VideoMetadata
	FileSizeBytes    int64
	OriginalFilename string
	ContainerFormat  string
}

var allowedFormats = map[string]bool{
	"mp4": true, "avi": true, "mov": true, "mkv": true, "webm": true,
}

// commonAspectRatios lists the width/height ratios condition 8 tolerates,
// within 5%.
var commonAspectRatios = []float64{
	16.0 / 9.0,
	4.0 / 3.0,
	21.0 / 9.0,
	1.0,
	9.0 / 16.0,
}

// Analyze scores in against spec.md 4.7's rule table and returns the
// resulting Sensitivity. It never returns an error: a probe that could not
// read metadata should be represented by zero-valued fields in Input,
// which the corrupt_metadata rule below accounts for, and analysis errors
// upstream of this call map to the {safe, 0, analysis_error, unknown}
// result via AnalysisError.
func Analyze(in Input) models.Sensitivity {
	var score float64
	var categories []string
	add := func(weight float64, category string) {
		score += weight
		categories = append(categories, category)
	}

	m := in.Metadata
	duration := m.DurationSeconds

	if duration > 7200 {
		add(0.10, "long_duration")
		if duration > 10800 {
			add(0.05, "extremely_long_duration")
		}
	}

	if m.Resolution.Width == 0 || m.Resolution.Height == 0 {
		add(0.30, "no_video_stream")
	} else if outsideResolutionBounds(m.Resolution) {
		add(0.15, "unusual_resolution")
	}

	if m.Bitrate > 15_000_000 {
		add(0.10, "high_bitrate")
	}
	if m.Bitrate > 0 && m.Bitrate < 100_000 && duration > 60 {
		add(0.15, "low_bitrate")
	}

	if m.FrameRate != 0 && (m.FrameRate > 120 || m.FrameRate < 15) {
		add(0.10, "unusual_framerate")
	}

	if m.Resolution.Width > 0 && m.Resolution.Height > 0 && !matchesKnownAspectRatio(m.Resolution) {
		add(0.10, "suspicious_aspect_ratio")
	}

	if m.AudioCodec == "" && duration > 60 {
		add(0.05, "no_audio_long_video")
	}

	if duration > 0 {
		bytesPerSecond := float64(in.FileSizeBytes) / duration
		bitsPerSecond := bytesPerSecond * 8
		if bitsPerSecond > 10_000_000 {
			add(0.10, "high_data_rate")
		}
		if bitsPerSecond < 50_000 && duration > 60 {
			add(0.15, "low_data_rate")
		}
	}

	format := strings.ToLower(strings.TrimSpace(in.ContainerFormat))
	if format != "" && !formatAllowed(format) {
		add(0.05, "unusual_format")
	}

	if hasCorruptMetadata(m) {
		add(0.25, "corrupt_metadata")
	}

	if duration > 0 && float64(in.FileSizeBytes) < duration*100_000 {
		add(0.15, "suspiciously_small_file")
	}

	if score > 1 {
		score = 1
	}

	return finalize(score, categories)
}

// AnalysisError is the result used when the Analyzer itself could not run
// (e.g. the probe step failed before metadata was ever available), per
// spec.md 4.7's "errors (unreadable metadata)" clause.
func AnalysisError() models.Sensitivity {
	return models.Sensitivity{
		Level:           models.SensitivityLevelUnknown,
		Score:           0,
		Status:          models.SensitivityStatusSafe,
		Categories:      []string{"analysis_error"},
		AnalysisDetails: "metadata could not be analyzed",
	}
}

func finalize(score float64, categories []string) models.Sensitivity {
	switch {
	case score > 0.7:
		return models.Sensitivity{
			Level: models.SensitivityLevelHigh, Score: score, Status: models.SensitivityStatusFlagged,
			Categories: categories, AnalysisDetails: "score exceeds high-risk threshold",
		}
	case score > 0.4:
		return models.Sensitivity{
			Level: models.SensitivityLevelMedium, Score: score, Status: models.SensitivityStatusFlagged,
			Categories: append(append([]string{}, categories...), "manual_review_recommended"),
			AnalysisDetails: "score in the manual-review range",
		}
	default:
		return models.Sensitivity{
			Level: models.SensitivityLevelLow, Score: score, Status: models.SensitivityStatusSafe,
			Categories: categories, AnalysisDetails: "score within normal range",
		}
	}
}

func outsideResolutionBounds(r models.Resolution) bool {
	return r.Width < 320 || r.Height < 240 || r.Width > 7680 || r.Height > 4320
}

func matchesKnownAspectRatio(r models.Resolution) bool {
	ratio := float64(r.Width) / float64(r.Height)
	for _, known := range commonAspectRatios {
		if math.Abs(ratio-known)/known <= 0.05 {
			return true
		}
	}
	return false
}

func formatAllowed(format string) bool {
	return allowedFormats[format]
}

func hasCorruptMetadata(m models.VideoMetadata) bool {
	if strings.EqualFold(m.Codec, "unknown") || strings.EqualFold(m.AudioCodec, "unknown") {
		return true
	}
	return m.DurationSeconds == 0 && m.Resolution.Width == 0 && m.Resolution.Height == 0 && m.Codec == ""
}
