package batch

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}

func defaultConfig() Config {
	return Config{
		SizeMax:              5,
		WindowMinutesMax:     2,
		MinMovementM:         50,
		ConnectGapMinutesMax: 5,
	}
}

func TestBuildBatches_NoAnchor_SingleBatch(t *testing.T) {
	pts := []Point{
		{ID: 1, Lat: 43.70, Lon: -72.50, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		{ID: 2, Lat: 43.70, Lon: -72.501, RecordedAt: mustTime(t, "2026-01-01T12:00:30Z")},
		{ID: 3, Lat: 43.70, Lon: -72.502, RecordedAt: mustTime(t, "2026-01-01T12:01:00Z")},
		{ID: 4, Lat: 43.70, Lon: -72.503, RecordedAt: mustTime(t, "2026-01-01T12:01:30Z")},
	}
	batches := BuildBatches(nil, pts, defaultConfig())
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Points) != 4 {
		t.Fatalf("got %d points, want 4", len(batches[0].Points))
	}
	if len(batches[0].NewPointIDs) != 4 {
		t.Fatalf("got %d new points, want 4", len(batches[0].NewPointIDs))
	}
}

func TestBuildBatches_WindowGapSplitsBatch(t *testing.T) {
	pts := []Point{
		{ID: 1, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		{ID: 2, RecordedAt: mustTime(t, "2026-01-01T12:01:00Z")},
		// gap > 2 minutes from point 2
		{ID: 3, RecordedAt: mustTime(t, "2026-01-01T12:03:30Z")},
		{ID: 4, RecordedAt: mustTime(t, "2026-01-01T12:04:00Z")},
	}
	cfg := defaultConfig()
	batches := BuildBatches(nil, pts, cfg)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	// First batch: [1,2], carried as anchor into second: [2,3,4]
	if len(batches[0].Points) != 2 {
		t.Fatalf("batch 0 has %d points, want 2", len(batches[0].Points))
	}
	if len(batches[1].Points) != 3 {
		t.Fatalf("batch 1 has %d points, want 3 (carryover + 2 new)", len(batches[1].Points))
	}
	if len(batches[1].NewPointIDs) != 2 {
		t.Fatalf("batch 1 has %d new points, want 2", len(batches[1].NewPointIDs))
	}
	if batches[1].Points[0].ID != 2 {
		t.Fatalf("batch 1 carryover point = %d, want 2", batches[1].Points[0].ID)
	}
}

func TestBuildBatches_ExactWindowBoundaryStaysInBatch(t *testing.T) {
	pts := []Point{
		{ID: 1, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		// exactly 2 minutes later: same batch
		{ID: 2, RecordedAt: mustTime(t, "2026-01-01T12:02:00Z")},
	}
	batches := BuildBatches(nil, pts, defaultConfig())
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Points) != 2 {
		t.Fatalf("got %d points, want 2", len(batches[0].Points))
	}
}

func TestBuildBatches_SizeMaxSplitsBatch(t *testing.T) {
	base := mustTime(t, "2026-01-01T12:00:00Z")
	var pts []Point
	for i := int64(1); i <= 7; i++ {
		pts = append(pts, Point{ID: i, RecordedAt: base.Add(time.Duration(i) * 10 * time.Second)})
	}
	cfg := defaultConfig()
	cfg.SizeMax = 5
	batches := BuildBatches(nil, pts, cfg)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0].Points) != 5 {
		t.Fatalf("batch 0 has %d points, want 5", len(batches[0].Points))
	}
	// batch 1: carryover (point 5) + points 6,7 = 3 points, 2 new
	if len(batches[1].Points) != 3 {
		t.Fatalf("batch 1 has %d points, want 3", len(batches[1].Points))
	}
	if len(batches[1].NewPointIDs) != 2 {
		t.Fatalf("batch 1 has %d new points, want 2", len(batches[1].NewPointIDs))
	}
}

func TestBuildBatches_AnchorWithinConnectGapIsPrepended(t *testing.T) {
	anchor := Point{ID: 0, Lat: 43.70, Lon: -72.50, RecordedAt: mustTime(t, "2026-01-01T11:58:00Z")}
	pts := []Point{
		{ID: 1, Lat: 43.701, Lon: -72.501, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		{ID: 2, Lat: 43.702, Lon: -72.502, RecordedAt: mustTime(t, "2026-01-01T12:00:30Z")},
	}
	batches := BuildBatches(&anchor, pts, defaultConfig())
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Points) != 3 {
		t.Fatalf("got %d points, want 3 (anchor + 2)", len(batches[0].Points))
	}
	if len(batches[0].NewPointIDs) != 2 {
		t.Fatalf("got %d new points, want 2 (anchor excluded)", len(batches[0].NewPointIDs))
	}
	if batches[0].Points[0].ID != 0 {
		t.Fatalf("first point = %d, want anchor (0)", batches[0].Points[0].ID)
	}
}

func TestBuildBatches_AnchorBeyondConnectGapIsDropped(t *testing.T) {
	anchor := Point{ID: 0, RecordedAt: mustTime(t, "2026-01-01T11:00:00Z")}
	pts := []Point{
		{ID: 1, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		{ID: 2, RecordedAt: mustTime(t, "2026-01-01T12:00:30Z")},
	}
	batches := BuildBatches(&anchor, pts, defaultConfig())
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Points) != 2 {
		t.Fatalf("got %d points, want 2 (anchor dropped)", len(batches[0].Points))
	}
	if batches[0].Points[0].ID != 1 {
		t.Fatalf("first point = %d, want 1 (anchor dropped)", batches[0].Points[0].ID)
	}
}

func TestBuildBatches_LoneTrailingPointAfterGapTakesCarryover(t *testing.T) {
	pts := []Point{
		{ID: 1, RecordedAt: mustTime(t, "2026-01-01T12:00:00Z")},
		{ID: 2, RecordedAt: mustTime(t, "2026-01-01T12:00:30Z")},
		// large gap, then a lone trailing point: point 2 is carried over,
		// so the trailing batch is [2,3] and is kept
		{ID: 3, RecordedAt: mustTime(t, "2026-01-01T12:10:00Z")},
	}
	batches := BuildBatches(nil, pts, defaultConfig())
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2 (carryover + lone trailing point)", len(batches))
	}
	if len(batches[1].Points) != 2 || batches[1].Points[0].ID != 2 {
		t.Fatalf("batch 1 = %+v, want [carryover 2, 3]", batches[1].Points)
	}
}

func TestHasSignificantMovement(t *testing.T) {
	cfg := defaultConfig()
	moving := Batch{Points: []Point{
		{Lat: 43.70, Lon: -72.50},
		{Lat: 43.70, Lon: -72.501}, // ~80m east
	}}
	if !moving.HasSignificantMovement(cfg) {
		t.Fatalf("expected significant movement")
	}

	parked := Batch{Points: []Point{
		{Lat: 43.70, Lon: -72.50},
		{Lat: 43.70, Lon: -72.50},
	}}
	if parked.HasSignificantMovement(cfg) {
		t.Fatalf("expected no significant movement for identical points")
	}
}
