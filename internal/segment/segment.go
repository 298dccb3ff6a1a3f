// Package segment turns a matched polyline into road-segment activations:
// it finds candidate segments, resolves direction against each segment's
// stored bearing, and applies the activations as one atomic write.
package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/plowpath/pipeline/internal/geomath"
	"github.com/plowpath/pipeline/internal/store"
)

// Store is the narrow persistence dependency Activator needs.
type Store interface {
	IntersectingSegments(ctx context.Context, polylineWKT string) ([]store.SegmentCandidate, error)
	ActivateSegments(ctx context.Context, polylineID int64, deviceID string, endTime time.Time, activations []store.SegmentActivation) ([]store.ActivationResult, error)
}

// CandidateFilter narrows the segment IDs worth asking the authoritative
// Store about. It must never produce false negatives: a cold or absent
// filter returns ok=false and Activator falls back to the full query.
type CandidateFilter interface {
	Candidates(lat, lon float64) (ids []int64, ok bool)
}

// Activator resolves and applies segment activations for one matched
// polyline.
type Activator struct {
	store  Store
	filter CandidateFilter
}

// New constructs an Activator. filter may be nil, in which case every
// call goes straight to the authoritative Store query.
func New(s Store, filter CandidateFilter) *Activator {
	return &Activator{store: s, filter: filter}
}

// Input is everything Activate needs for one matched polyline.
type Input struct {
	PolylineID      int64
	DeviceID        string
	GeometryWKT     string
	PolylineBearing float64
	EndTime         time.Time
	// Vertices are the matched geometry's own coordinates, used only to
	// consult the optional CandidateFilter; they do not affect the
	// authoritative intersection query. Querying every vertex (rather than
	// a single midpoint) is what keeps the filter's ringSize margin
	// covering the whole matched line instead of just its middle.
	Vertices []geomath.Point
}

// Activate finds road segments intersecting the matched geometry,
// computes each one's direction from the polyline's bearing against the
// segment's own stored bearing (not the polyline's path), and applies
// every resulting activation inside a single Store transaction.
func (a *Activator) Activate(ctx context.Context, in Input) ([]store.ActivationResult, error) {
	candidates, err := a.store.IntersectingSegments(ctx, in.GeometryWKT)
	if err != nil {
		return nil, fmt.Errorf("segment: intersecting segments: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if a.filter != nil {
		if ids, ok := a.candidatesAlongLine(in.Vertices); ok {
			candidates = restrictTo(candidates, ids)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	activations := make([]store.SegmentActivation, len(candidates))
	for i, c := range candidates {
		activations[i] = store.SegmentActivation{
			SegmentID:         c.SegmentID,
			Direction:         string(geomath.DirectionOf(in.PolylineBearing, c.SegmentBearing)),
			OverlapPercentage: c.OverlapPercentage,
		}
	}

	results, err := a.store.ActivateSegments(ctx, in.PolylineID, in.DeviceID, in.EndTime, activations)
	if err != nil {
		return nil, fmt.Errorf("segment: activate segments: %w", err)
	}
	return results, nil
}

// candidatesAlongLine consults the filter once per vertex of the matched
// geometry and unions the results, so the filter's per-point ring covers
// the whole line rather than just a single midpoint. ok is false — meaning
// "don't narrow, ask the authoritative query about everything" — if there
// are no vertices to consult or any single vertex comes back cold.
func (a *Activator) candidatesAlongLine(vertices []geomath.Point) ([]int64, bool) {
	if len(vertices) == 0 {
		return nil, false
	}

	seen := map[int64]bool{}
	var union []int64
	for _, v := range vertices {
		ids, ok := a.filter.Candidates(v.Lat, v.Lon)
		if !ok {
			return nil, false
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				union = append(union, id)
			}
		}
	}
	return union, true
}

// restrictTo drops candidates whose SegmentID is not in ids. Used only
// as a load-shedding narrowing; it can only shrink a result set the
// authoritative query already produced, never invent matches.
func restrictTo(candidates []store.SegmentCandidate, ids []int64) []store.SegmentCandidate {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	out := candidates[:0]
	for _, c := range candidates {
		if allowed[c.SegmentID] {
			out = append(out, c)
		}
	}
	return out
}
