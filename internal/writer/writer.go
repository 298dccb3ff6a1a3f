// Package writer persists a matched batch as a cached-polyline row.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/plowpath/pipeline/internal/geomath"
	"github.com/plowpath/pipeline/internal/store"
)

// Store is the narrow persistence dependency PolylineWriter needs.
type Store interface {
	UpsertPolyline(ctx context.Context, p store.CachedPolyline) (int64, error)
}

// PolylineWriter computes a CachedPolyline from a matched batch and
// upserts it.
type PolylineWriter struct {
	store Store
}

// New constructs a PolylineWriter over the given Store.
func New(s Store) *PolylineWriter {
	return &PolylineWriter{store: s}
}

// MatchedCoord is an ordered (lon, lat) pair as returned by the matcher.
type MatchedCoord struct {
	Lon float64
	Lat float64
}

// WriteInput is everything PolylineWriter needs to compute and persist a
// CachedPolyline for one successfully matched batch.
type WriteInput struct {
	DeviceID        string
	BatchID         string
	FirstRecordedAt time.Time // start_time: first input point's recorded_at
	LastRecordedAt  time.Time // end_time: last input point's recorded_at
	PointCount      int       // number of NEW points in this batch
	Matched         []MatchedCoord
	Confidence      float64
	OSRMDurationMS  *int
}

// Result is the computed, persisted polyline.
type Result struct {
	PolylineID int64
	Geometry   []MatchedCoord
	Bearing    float64
}

// Write computes encoded_polyline/geometry/bearing from the matched
// coordinates and upserts on (device_id, start_time, end_time).
func (w *PolylineWriter) Write(ctx context.Context, in WriteInput) (Result, error) {
	if len(in.Matched) < 2 {
		return Result{}, fmt.Errorf("writer: matched geometry needs >= 2 vertices, got %d", len(in.Matched))
	}
	if in.EndTime().Before(in.FirstRecordedAt) {
		return Result{}, fmt.Errorf("writer: end_time %v before start_time %v", in.LastRecordedAt, in.FirstRecordedAt)
	}

	points := make([]geomath.Point, len(in.Matched))
	wktCoords := make([][2]float64, len(in.Matched))
	for i, c := range in.Matched {
		points[i] = geomath.Point{Lat: c.Lat, Lon: c.Lon}
		wktCoords[i] = [2]float64{c.Lon, c.Lat}
	}

	first, last := in.Matched[0], in.Matched[len(in.Matched)-1]
	bearing := geomath.BearingDeg(first.Lat, first.Lon, last.Lat, last.Lon)

	polylineID, err := w.store.UpsertPolyline(ctx, store.CachedPolyline{
		DeviceID:        in.DeviceID,
		StartTime:       in.FirstRecordedAt,
		EndTime:         in.LastRecordedAt,
		EncodedPolyline: geomath.PolylineEncode(points),
		GeometryWKT:     store.PolylineWKT(wktCoords),
		Bearing:         bearing,
		Confidence:      in.Confidence,
		PointCount:      in.PointCount,
		BatchID:         in.BatchID,
		OSRMDurationMS:  in.OSRMDurationMS,
	})
	if err != nil {
		return Result{}, fmt.Errorf("writer: upsert polyline: %w", err)
	}

	return Result{PolylineID: polylineID, Geometry: in.Matched, Bearing: bearing}, nil
}

// EndTime is a convenience accessor so callers and validation read
// naturally (start_time/end_time come from input points, not matched
// vertex timestamps, per spec §4.6).
func (in WriteInput) EndTime() time.Time { return in.LastRecordedAt }
