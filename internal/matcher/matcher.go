// Package matcher is the HTTP client for the external map-matching
// service. It turns an ordered coordinate list into a snapped polyline,
// caching responses and retrying transient failures with capped
// exponential backoff.
package matcher

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/metrics"
)

// Coord is an ordered (lon, lat) pair, the matcher's wire convention.
type Coord struct {
	Lon float64
	Lat float64
}

// Matched is the successful-match outcome: a snapped geometry and the
// matcher's confidence in it.
type Matched struct {
	Coordinates []Coord
	Confidence  float64
}

// NoMatch means the matcher accepted the request but could not snap it to
// the road network (e.g. points in a field).
type NoMatch struct{}

func (NoMatch) Error() string { return "matcher: no match" }

// TransportError covers network failures, timeouts, and 5xx responses.
// Retryable distinguishes conditions worth retrying (network/timeout/5xx)
// from ones that are not (4xx).
type TransportError struct {
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("matcher: transport error (retryable=%v): %v", e.Retryable, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	BaseURL    string
	TimeoutMS  int
	CacheSize  int
	MaxRetries int
}

// Client calls the OSRM-style `/match/v1/driving/{coords}` endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[string, []byte]
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
	maxRetries int
	log        *zap.Logger
}

// New constructs a Client. cfg.CacheSize <= 0 disables response caching.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		maxRetries: cfg.MaxRetries,
		log:        log.Named("matcher"),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []byte](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("matcher: new lru cache: %w", err)
		}
		c.cache = cache

		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("matcher: new zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("matcher: new zstd decoder: %w", err)
		}
		c.encoder = enc
		c.decoder = dec
	}
	return c, nil
}

// Match requests a snapped route for an ordered (lon,lat) coordinate list.
// Once a request is sent it returns exactly one of (*Matched, nil),
// (nil, NoMatch), or (nil, *TransportError). Fewer than two coordinates,
// or a request that cannot be built, yields a plain error instead.
func (c *Client) Match(ctx context.Context, coords []Coord) (result *Matched, err error) {
	if len(coords) < 2 {
		return nil, fmt.Errorf("matcher: need at least 2 coordinates, got %d", len(coords))
	}

	start := time.Now()
	defer func() {
		outcome := "matched"
		switch {
		case err == nil:
			outcome = "matched"
		case isTransportError(err):
			outcome = "transport_error"
		default:
			outcome = "no_match"
		}
		metrics.MatcherCallDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	uri := c.requestURI(coords)
	body, cacheResult, err := c.getCached(ctx, uri)
	metrics.MatcherCacheHitsTotal.WithLabelValues(cacheResult).Inc()
	if err != nil {
		return nil, err
	}

	var resp matchResponse
	if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
		err = &TransportError{Retryable: false, Err: fmt.Errorf("decode response: %w", jsonErr)}
		return nil, err
	}

	if resp.Code != "Ok" || len(resp.Matchings) == 0 {
		err = NoMatch{}
		return nil, err
	}

	m := resp.Matchings[0]
	if len(m.Geometry.Coordinates) < 2 {
		err = NoMatch{}
		return nil, err
	}

	out := make([]Coord, len(m.Geometry.Coordinates))
	for i, pair := range m.Geometry.Coordinates {
		if len(pair) != 2 {
			err = &TransportError{Retryable: false, Err: fmt.Errorf("malformed coordinate at index %d", i)}
			return nil, err
		}
		out[i] = Coord{Lon: pair[0], Lat: pair[1]}
	}

	result = &Matched{Coordinates: out, Confidence: m.Confidence}
	return result, nil
}

func isTransportError(err error) bool {
	_, ok := err.(*TransportError)
	return ok
}

// MatchWithRetry calls Match, retrying TransportErrors with retryable=true
// using capped exponential backoff (up to cfg.MaxRetries attempts total).
func (c *Client) MatchWithRetry(ctx context.Context, coords []Coord) (*Matched, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		matched, err := c.Match(ctx, coords)
		if err == nil {
			return matched, nil
		}
		lastErr = err

		te, ok := err.(*TransportError)
		if !ok || !te.Retryable {
			return nil, err
		}
		metrics.MatcherRetriesTotal.WithLabelValues("transport_error").Inc()

		if attempt == c.maxRetries-1 {
			break
		}
		backoff := time.Duration(math.Min(float64(50*(1<<uint(attempt))), 2000)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

type matchResponse struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Matchings []matchMatching `json:"matchings"`
}

type matchMatching struct {
	Geometry   matchGeometry `json:"geometry"`
	Confidence float64       `json:"confidence"`
}

type matchGeometry struct {
	Coordinates [][]float64 `json:"coordinates"`
}

func (c *Client) requestURI(coords []Coord) string {
	parts := make([]string, len(coords))
	for i, co := range coords {
		parts[i] = strconv.FormatFloat(co.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(co.Lat, 'f', 6, 64)
	}
	coordStr := strings.Join(parts, ";")
	return c.baseURL + "/match/v1/driving/" + url.PathEscape(coordStr) + "?overview=full&geometries=geojson"
}

func (c *Client) getCached(ctx context.Context, uri string) (body []byte, cacheResult string, err error) {
	var key string
	if c.cache != nil {
		/* #nosec G401 -- cache key only, not security-sensitive */
		key = fmt.Sprintf("%x", sha1.Sum([]byte(uri)))
		if compressed, ok := c.cache.Get(key); ok {
			decompressed, decErr := c.decoder.DecodeAll(compressed, nil)
			if decErr == nil {
				return decompressed, "hit", nil
			}
		}
	}

	body, err = c.get(ctx, uri)
	if err != nil {
		return nil, "miss", err
	}

	if c.cache != nil {
		c.cache.Add(key, c.encoder.EncodeAll(body, nil))
	}
	return body, "miss", nil
}

func (c *Client) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("matcher: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Retryable: true, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransportError{Retryable: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{Retryable: false, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	return body, nil
}
