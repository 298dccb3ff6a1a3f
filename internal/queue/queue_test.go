package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, zap.NewNop()), mr
}

func TestOffer_PushesAndTracks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	inflight, err := q.Inflight(ctx)
	if err != nil {
		t.Fatalf("Inflight: %v", err)
	}
	if inflight != 1 {
		t.Fatalf("inflight = %d, want 1", inflight)
	}
}

func TestOffer_DuplicateIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("second Offer: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (duplicate offer must be a no-op)", depth)
	}
}

func TestTake_ReturnsDeviceID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	got, err := q.Take(ctx, time.Second)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got != "device-1" {
		t.Fatalf("Take = %q, want device-1", got)
	}

	// Device remains in the inflight set until Release.
	inflight, err := q.Inflight(ctx)
	if err != nil {
		t.Fatalf("Inflight: %v", err)
	}
	if inflight != 1 {
		t.Fatalf("inflight = %d, want 1 (still held until Release)", inflight)
	}
}

func TestTake_EmptyQueueTimesOutWithoutError(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.Take(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got != "" {
		t.Fatalf("Take = %q, want empty on timeout", got)
	}
}

func TestRelease_RemovesFromInflightSet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := q.Take(ctx, time.Second); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := q.Release(ctx, "device-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	inflight, err := q.Inflight(ctx)
	if err != nil {
		t.Fatalf("Inflight: %v", err)
	}
	if inflight != 0 {
		t.Fatalf("inflight = %d, want 0 after Release", inflight)
	}
}

func TestOfferAfterRelease_CanBeRequeued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := q.Take(ctx, time.Second); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := q.Release(ctx, "device-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := q.Offer(ctx, "device-1"); err != nil {
		t.Fatalf("re-Offer after Release: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}
