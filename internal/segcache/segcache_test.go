package segcache

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/store"
)

type fakeLister struct {
	samples []store.SegmentCoverageCell
	err     error
}

func (f fakeLister) SegmentCoverageCells(ctx context.Context) ([]store.SegmentCoverageCell, error) {
	return f.samples, f.err
}

func TestCandidates_ColdCacheReportsNotOK(t *testing.T) {
	c := New(fakeLister{}, zap.NewNop())
	_, ok := c.Candidates(43.7, -72.5)
	if ok {
		t.Fatalf("expected ok=false before any Refresh")
	}
}

func TestCandidates_FindsSegmentNearSamplePoint(t *testing.T) {
	c := New(fakeLister{samples: []store.SegmentCoverageCell{
		{SegmentID: 1, Lat: 43.7000, Lon: -72.5000},
		{SegmentID: 2, Lat: 10.0000, Lon: 10.0000},
	}}, zap.NewNop())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ids, ok := c.Candidates(43.7000, -72.5000)
	if !ok {
		t.Fatalf("expected ok=true after Refresh")
	}
	found := false
	for _, id := range ids {
		if id == 1 {
			found = true
		}
		if id == 2 {
			t.Fatalf("unrelated segment 2 should not be a candidate near (43.7,-72.5)")
		}
	}
	if !found {
		t.Fatalf("expected segment 1 among candidates, got %v", ids)
	}
}

func TestCandidates_DedupesAcrossMultipleSamplesOfSameSegment(t *testing.T) {
	c := New(fakeLister{samples: []store.SegmentCoverageCell{
		{SegmentID: 1, Lat: 43.7000, Lon: -72.5000},
		{SegmentID: 1, Lat: 43.7001, Lon: -72.5001},
	}}, zap.NewNop())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ids, ok := c.Candidates(43.7000, -72.5000)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	count := 0
	for _, id := range ids {
		if id == 1 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("segment 1 appeared %d times, want 1 (deduped)", count)
	}
}

func TestRefresh_PropagatesListerError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	c := New(fakeLister{err: wantErr}, zap.NewNop())
	if err := c.Refresh(context.Background()); err != wantErr {
		t.Fatalf("Refresh err = %v, want %v", err, wantErr)
	}
}
