// Package batch implements the pure batch-formation algorithm: grouping an
// ordered run of raw GPS points into windows suitable for a single
// map-matching call, with carryover stitching across batch boundaries.
package batch

import (
	"time"

	"github.com/plowpath/pipeline/internal/geomath"
)

// Config is the tunable policy for batch formation (spec processing.* keys).
type Config struct {
	SizeMax              int
	WindowMinutesMax     int
	MinMovementM         float64
	ConnectGapMinutesMax int
}

// Point is the subset of a raw GPS row BuildBatches needs.
type Point struct {
	ID         int64
	Lat        float64
	Lon        float64
	RecordedAt time.Time
}

// Batch is one window of points to submit to the matcher together.
type Batch struct {
	// Points is the full ordered point list, including any carryover
	// anchor or stitching point at index 0.
	Points []Point
	// NewPointIDs are the point IDs that count toward point_count and
	// that must be marked processed once this batch succeeds.
	NewPointIDs []int64
}

// HasSignificantMovement reports whether the straight-line distance from
// the batch's first to last point meets min_movement_m.
func (b Batch) HasSignificantMovement(cfg Config) bool {
	if len(b.Points) < 2 {
		return false
	}
	first := b.Points[0]
	last := b.Points[len(b.Points)-1]
	return geomath.DistanceM(first.Lat, first.Lon, last.Lat, last.Lon) >= cfg.MinMovementM
}

// BuildBatches implements spec §4.5's algorithm. anchor is the device's
// last-processed point, or nil if none exists. points must be ordered by
// recorded_at ascending and contain only unprocessed points.
func BuildBatches(anchor *Point, points []Point, cfg Config) []Batch {
	if len(points) == 0 {
		return nil
	}

	newIDs := make(map[int64]bool, len(points))
	for _, p := range points {
		newIDs[p.ID] = true
	}

	working := points
	if anchor != nil {
		gap := points[0].RecordedAt.Sub(anchor.RecordedAt)
		if gap <= time.Duration(cfg.ConnectGapMinutesMax)*time.Minute {
			working = make([]Point, 0, len(points)+1)
			working = append(working, *anchor)
			working = append(working, points...)
		}
	}

	var batches []Batch
	var carry *Point
	i := 0
	for i < len(working) {
		var cur Batch
		if carry != nil {
			cur.Points = append(cur.Points, *carry)
		}

		for {
			p := working[i]
			cur.Points = append(cur.Points, p)
			if newIDs[p.ID] {
				cur.NewPointIDs = append(cur.NewPointIDs, p.ID)
			}
			i++
			if i >= len(working) {
				break
			}
			gap := working[i].RecordedAt.Sub(working[i-1].RecordedAt)
			if gap > time.Duration(cfg.WindowMinutesMax)*time.Minute {
				break
			}
			if len(cur.Points) >= cfg.SizeMax {
				break
			}
		}

		if i < len(working) {
			tail := cur.Points[len(cur.Points)-1]
			carry = &tail
		} else {
			carry = nil
		}

		batches = append(batches, cur)
	}

	if n := len(batches); n > 0 && len(batches[n-1].Points) < 2 {
		batches = batches[:n-1]
	}

	return batches
}
