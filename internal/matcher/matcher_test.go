package matcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testCoords() []Coord {
	return []Coord{{Lon: -72.50, Lat: 43.70}, {Lon: -72.501, Lat: 43.701}}
}

func TestMatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","matchings":[{"geometry":{"coordinates":[[-72.50,43.70],[-72.501,43.701]]},"confidence":0.9}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m, err := c.Match(context.Background(), testCoords())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(m.Coordinates) != 2 {
		t.Fatalf("got %d coordinates, want 2", len(m.Coordinates))
	}
	if m.Confidence != 0.9 {
		t.Fatalf("confidence = %f, want 0.9", m.Confidence)
	}
}

func TestMatch_NoMatchOnNonOkCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","matchings":[]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Match(context.Background(), testCoords())
	if _, ok := err.(NoMatch); !ok {
		t.Fatalf("err = %v (%T), want NoMatch", err, err)
	}
}

func TestMatch_DegenerateGeometryIsNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","matchings":[{"geometry":{"coordinates":[[-72.50,43.70]]},"confidence":0.9}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Match(context.Background(), testCoords())
	if _, ok := err.(NoMatch); !ok {
		t.Fatalf("err = %v (%T), want NoMatch", err, err)
	}
}

func TestMatch_ServerErrorIsRetryableTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Match(context.Background(), testCoords())
	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("err = %v (%T), want *TransportError", err, err)
	}
	if !te.Retryable {
		t.Fatalf("expected retryable=true for 5xx")
	}
}

func TestMatch_ClientErrorIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Match(context.Background(), testCoords())
	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("err = %v (%T), want *TransportError", err, err)
	}
	if te.Retryable {
		t.Fatalf("expected retryable=false for 4xx")
	}
}

func TestMatchWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":"Ok","matchings":[{"geometry":{"coordinates":[[-72.50,43.70],[-72.501,43.701]]},"confidence":0.8}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 5}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m, err := c.MatchWithRetry(context.Background(), testCoords())
	if err != nil {
		t.Fatalf("MatchWithRetry: %v", err)
	}
	if m == nil {
		t.Fatalf("expected a match")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestMatchWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.MatchWithRetry(context.Background(), testCoords())
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
}

func TestMatchWithRetry_DoesNotRetryNonRetryableError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 5}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.MatchWithRetry(context.Background(), testCoords())
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-retryable error)", calls)
	}
}

func TestMatch_CacheHitAvoidsSecondRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"code":"Ok","matchings":[{"geometry":{"coordinates":[[-72.50,43.70],[-72.501,43.701]]},"confidence":0.7}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 1000, MaxRetries: 3, CacheSize: 10}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Match(context.Background(), testCoords()); err != nil {
		t.Fatalf("first Match: %v", err)
	}
	if _, err := c.Match(context.Background(), testCoords()); err != nil {
		t.Fatalf("second Match: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (second call should hit cache)", calls)
	}
}

func TestMatch_RequiresAtLeastTwoCoordinates(t *testing.T) {
	c, err := New(Config{BaseURL: "http://example.invalid", TimeoutMS: 1000, MaxRetries: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Match(context.Background(), []Coord{{Lon: 0, Lat: 0}}); err == nil {
		t.Fatalf("expected error for single coordinate")
	}
}

func TestMatch_RespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TimeoutMS: 5000, MaxRetries: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.Match(ctx, testCoords())
	if err == nil {
		t.Fatalf("expected error from context deadline")
	}
}
