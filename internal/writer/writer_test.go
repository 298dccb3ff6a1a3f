package writer

import (
	"context"
	"testing"
	"time"

	"github.com/plowpath/pipeline/internal/store"
)

type fakeStore struct {
	lastUpsert store.CachedPolyline
	returnID   int64
	err        error
}

func (f *fakeStore) UpsertPolyline(ctx context.Context, p store.CachedPolyline) (int64, error) {
	f.lastUpsert = p
	if f.err != nil {
		return 0, f.err
	}
	return f.returnID, nil
}

func TestWrite_ComputesBearingAndPersists(t *testing.T) {
	fs := &fakeStore{returnID: 42}
	w := New(fs)

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	res, err := w.Write(context.Background(), WriteInput{
		DeviceID:        "D1",
		BatchID:         "batch-1",
		FirstRecordedAt: start,
		LastRecordedAt:  end,
		PointCount:      4,
		Matched: []MatchedCoord{
			{Lon: -72.500, Lat: 43.700},
			{Lon: -72.501, Lat: 43.700},
			{Lon: -72.502, Lat: 43.700},
			{Lon: -72.503, Lat: 43.700},
		},
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.PolylineID != 42 {
		t.Fatalf("PolylineID = %d, want 42", res.PolylineID)
	}
	// Moving due west; bearing should be close to 270 degrees.
	if res.Bearing < 260 || res.Bearing > 280 {
		t.Fatalf("Bearing = %f, want ~270", res.Bearing)
	}

	if fs.lastUpsert.DeviceID != "D1" {
		t.Fatalf("persisted device_id = %q, want D1", fs.lastUpsert.DeviceID)
	}
	if fs.lastUpsert.PointCount != 4 {
		t.Fatalf("persisted point_count = %d, want 4", fs.lastUpsert.PointCount)
	}
	if !fs.lastUpsert.StartTime.Equal(start) || !fs.lastUpsert.EndTime.Equal(end) {
		t.Fatalf("persisted window = [%v,%v], want [%v,%v]", fs.lastUpsert.StartTime, fs.lastUpsert.EndTime, start, end)
	}
}

func TestWrite_RejectsDegenerateGeometry(t *testing.T) {
	w := New(&fakeStore{})
	_, err := w.Write(context.Background(), WriteInput{
		Matched: []MatchedCoord{{Lon: 0, Lat: 0}},
	})
	if err == nil {
		t.Fatalf("expected error for single-vertex geometry")
	}
}
