package media

import (
	"context"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{
		"30/1":    30,
		"30000/1001": 29.97002997002997,
		"0/0":     0,
		"25":      25,
	}
	for in, want := range cases {
		if got := parseFrameRate(in); got != want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopAdapter(t *testing.T) {
	var a Adapter = NoopAdapter{}
	ctx := context.Background()

	result, err := a.Probe(ctx, "/tmp/does-not-matter.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Metadata.DurationSeconds != 0 {
		t.Fatalf("expected zero-value metadata, got %+v", result.Metadata)
	}

	if err := a.Thumbnail(ctx, "/tmp/in.mp4", "/tmp/out.jpg", 1.0); err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}

	statuses := a.HealthChecks(ctx)
	if len(statuses) != 1 || statuses[0].Status != "disabled" {
		t.Fatalf("expected a single disabled status, got %+v", statuses)
	}
}
