// Package segcache is an in-memory H3 cell index that narrows the road
// segments returned by Store.IntersectingSegments down to those indexed
// near a matched line's vertices, before they are activated. The database
// query itself still runs over every segment. It is never an authority: a
// cold cache or a point outside the indexed cells always falls back to the
// full Store.IntersectingSegments result.
package segcache

import (
	"context"
	"sync"
	"time"

	h3 "github.com/uber/h3-go/v4"
	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/store"
)

// resolution 9 cells are roughly 0.1 km^2, fine enough to narrow a city's
// worth of road segments without needing per-road precision.
const resolution = 9

// ringSize accounts for a GPS fix landing in a neighboring cell from the
// one a segment's sample points fell into, plus margin between
// consecutive vertices of the matched geometry: Activator queries every
// vertex along the matched line and unions the results (see
// internal/segment's candidatesAlongLine), so the bound that matters is
// the gap between adjacent vertices, not the batch's total span. A ring
// of 2 covers roughly 450m at resolution 9 around each queried vertex,
// comfortably wider than the gap between consecutive points of an
// OSRM-matched route geometry.
const ringSize = 2

// Lister supplies the segment samples used to rebuild the index.
type Lister interface {
	SegmentCoverageCells(ctx context.Context) ([]store.SegmentCoverageCell, error)
}

// Cache maps H3 cells to the road segments whose geometry falls in them.
type Cache struct {
	lister Lister
	log    *zap.Logger

	mu        sync.RWMutex
	byCell    map[h3.Cell][]int64
	populated bool
}

// New constructs a Cache. Call Refresh at least once (and on a ticker)
// before Candidates returns anything useful.
func New(lister Lister, log *zap.Logger) *Cache {
	return &Cache{lister: lister, log: log.Named("segcache"), byCell: map[h3.Cell][]int64{}}
}

// Refresh rebuilds the cell index from the current segment samples. It
// replaces the index atomically; readers never see a partially built map.
func (c *Cache) Refresh(ctx context.Context) error {
	samples, err := c.lister.SegmentCoverageCells(ctx)
	if err != nil {
		return err
	}

	byCell := make(map[h3.Cell][]int64, len(samples))
	seen := make(map[h3.Cell]map[int64]bool, len(samples))
	for _, s := range samples {
		cell := h3.LatLng{Lat: s.Lat, Lng: s.Lon}.Cell(resolution)
		if seen[cell] == nil {
			seen[cell] = map[int64]bool{}
		}
		if seen[cell][s.SegmentID] {
			continue
		}
		seen[cell][s.SegmentID] = true
		byCell[cell] = append(byCell[cell], s.SegmentID)
	}

	c.mu.Lock()
	c.byCell = byCell
	c.populated = true
	c.mu.Unlock()

	c.log.Info("segment cell index refreshed", zap.Int("cells", len(byCell)), zap.Int("samples", len(samples)))
	return nil
}

// RunRefreshLoop calls Refresh on the given interval until ctx is done,
// logging (but not aborting on) refresh errors.
func (c *Cache) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn("segment cell index refresh failed", zap.Error(err))
			}
		}
	}
}

// Candidates returns the segment IDs indexed near (lat, lon). ok is false
// when the cache has never been populated or no indexed segment lies
// within the ring around the point, signaling callers to fall back to the
// authoritative query rather than treat an empty result as "no segments
// here".
func (c *Cache) Candidates(lat, lon float64) (ids []int64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return nil, false
	}

	origin := h3.LatLng{Lat: lat, Lng: lon}.Cell(resolution)
	ring, err := origin.GridDisk(ringSize)
	if err != nil {
		return nil, false
	}

	seen := map[int64]bool{}
	var out []int64
	for _, cell := range ring {
		for _, id := range c.byCell[cell] {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
