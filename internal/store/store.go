// Package store wraps all persistent state behind a narrow interface. It
// is the only package that speaks SQL/PostGIS.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/metrics"
)

// Store is the persistence boundary for the pipeline.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New constructs a Store over an already-connected pool.
func New(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log.Named("store")}
}

// RawGpsPoint mirrors a row in raw_gps.
type RawGpsPoint struct {
	ID         int64
	DeviceID   string
	Lon        float64
	Lat        float64
	RecordedAt time.Time
	ReceivedAt time.Time
	Processed  bool
	BatchID    *string
	Altitude   *float64
	Speed      *float64
	BearingRaw *float64
	Accuracy   *float64
}

// LastProcessedPoint returns the most recently processed point for a
// device, or nil if none exists.
func (s *Store) LastProcessedPoint(ctx context.Context, deviceID string) (*RawGpsPoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, device_id, longitude, latitude, recorded_at, received_at, processed, batch_id,
		       altitude, speed, bearing_raw, accuracy
		FROM raw_gps
		WHERE device_id = $1 AND processed = true
		ORDER BY recorded_at DESC
		LIMIT 1`, deviceID)

	var p RawGpsPoint
	err := row.Scan(&p.ID, &p.DeviceID, &p.Lon, &p.Lat, &p.RecordedAt, &p.ReceivedAt, &p.Processed,
		&p.BatchID, &p.Altitude, &p.Speed, &p.BearingRaw, &p.Accuracy)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last processed point: %w", err)
	}
	return &p, nil
}

// UnprocessedPoints returns a device's unprocessed points ordered by
// recorded_at ascending.
func (s *Store) UnprocessedPoints(ctx context.Context, deviceID string) ([]RawGpsPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, longitude, latitude, recorded_at, received_at, processed, batch_id,
		       altitude, speed, bearing_raw, accuracy
		FROM raw_gps
		WHERE device_id = $1 AND processed = false
		ORDER BY recorded_at ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: unprocessed points: %w", err)
	}
	defer rows.Close()

	var points []RawGpsPoint
	for rows.Next() {
		var p RawGpsPoint
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Lon, &p.Lat, &p.RecordedAt, &p.ReceivedAt, &p.Processed,
			&p.BatchID, &p.Altitude, &p.Speed, &p.BearingRaw, &p.Accuracy); err != nil {
			return nil, fmt.Errorf("store: scan unprocessed point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: unprocessed points rows: %w", err)
	}
	return points, nil
}

// MarkProcessed bulk-marks points processed under batchID. Idempotent:
// rows already processed are left untouched by the WHERE clause.
func (s *Store) MarkProcessed(ctx context.Context, pointIDs []int64, batchID string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE raw_gps SET processed = true, batch_id = $2
		WHERE id = ANY($1) AND processed = false`, pointIDs, batchID)
	metrics.DBWriteDuration.WithLabelValues("mark_processed").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

// CachedPolyline is the input to UpsertPolyline.
type CachedPolyline struct {
	DeviceID        string
	StartTime       time.Time
	EndTime         time.Time
	EncodedPolyline string
	GeometryWKT     string // e.g. "LINESTRING(lon lat, lon lat, ...)"
	Bearing         float64
	Confidence      float64
	PointCount      int
	BatchID         string
	OSRMDurationMS  *int
}

// UpsertPolyline upserts on (device_id, start_time, end_time) and returns
// the polyline id.
func (s *Store) UpsertPolyline(ctx context.Context, p CachedPolyline) (int64, error) {
	start := time.Now()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cached_polylines
			(device_id, start_time, end_time, encoded_polyline, geometry, bearing, confidence, point_count, batch_id, osrm_duration_ms)
		VALUES ($1, $2, $3, $4, ST_GeomFromText($5, 4326), $6, $7, $8, $9, $10)
		ON CONFLICT (device_id, start_time, end_time) DO UPDATE SET
			encoded_polyline = EXCLUDED.encoded_polyline,
			geometry         = EXCLUDED.geometry,
			bearing          = EXCLUDED.bearing,
			confidence       = EXCLUDED.confidence,
			point_count      = EXCLUDED.point_count,
			batch_id         = EXCLUDED.batch_id,
			osrm_duration_ms = EXCLUDED.osrm_duration_ms
		RETURNING id`,
		p.DeviceID, p.StartTime, p.EndTime, p.EncodedPolyline, p.GeometryWKT, p.Bearing,
		p.Confidence, p.PointCount, p.BatchID, p.OSRMDurationMS,
	).Scan(&id)
	metrics.DBWriteDuration.WithLabelValues("upsert_polyline").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: upsert polyline: %w", err)
	}
	return id, nil
}

// SegmentCandidate is one road segment whose geometry intersects a
// matched polyline.
type SegmentCandidate struct {
	SegmentID         int64
	SegmentBearing    float64
	OverlapPercentage float64
}

// IntersectingSegments finds road segments intersecting polylineWKT,
// computing overlap_percentage as a geography-accurate length ratio.
func (s *Store) IntersectingSegments(ctx context.Context, polylineWKT string) ([]SegmentCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id,
			bearing,
			CASE WHEN ST_Length(geometry::geography) = 0 THEN 0
			ELSE ST_Length(ST_Intersection(geometry, ST_GeomFromText($1, 4326))::geography)
			     / ST_Length(geometry::geography) * 100
			END AS overlap_percentage
		FROM road_segments
		WHERE ST_Intersects(geometry, ST_GeomFromText($1, 4326))`, polylineWKT)
	if err != nil {
		return nil, fmt.Errorf("store: intersecting segments: %w", err)
	}
	defer rows.Close()

	var candidates []SegmentCandidate
	for rows.Next() {
		var c SegmentCandidate
		if err := rows.Scan(&c.SegmentID, &c.SegmentBearing, &c.OverlapPercentage); err != nil {
			return nil, fmt.Errorf("store: scan segment candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: intersecting segments rows: %w", err)
	}
	return candidates, nil
}

// SegmentActivation is one segment's direction assignment to apply.
type SegmentActivation struct {
	SegmentID         int64
	Direction         string // "forward" | "reverse"
	OverlapPercentage float64
}

// ActivationResult reports, per segment, whether the monotone-advance rule
// actually applied the new timestamp.
type ActivationResult struct {
	SegmentID int64
	Applied   bool
}

// SegmentCoverageCell is one representative point along a road segment's
// geometry, used by internal/segcache to build its H3 candidate index.
type SegmentCoverageCell struct {
	SegmentID int64
	Lat       float64
	Lon       float64
}

// SegmentCoverageCells samples the start, midpoint, and end of every road
// segment's geometry, giving a cheap approximation of the cells its
// geometry passes through.
func (s *Store) SegmentCoverageCells(ctx context.Context) ([]SegmentCoverageCell, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ST_Y(pt), ST_X(pt) FROM (
			SELECT id, ST_StartPoint(geometry) AS pt FROM road_segments
			UNION ALL
			SELECT id, ST_LineInterpolatePoint(geometry, 0.5) FROM road_segments
			UNION ALL
			SELECT id, ST_EndPoint(geometry) FROM road_segments
		) samples`)
	if err != nil {
		return nil, fmt.Errorf("store: segment coverage cells: %w", err)
	}
	defer rows.Close()

	var cells []SegmentCoverageCell
	for rows.Next() {
		var c SegmentCoverageCell
		if err := rows.Scan(&c.SegmentID, &c.Lat, &c.Lon); err != nil {
			return nil, fmt.Errorf("store: scan segment coverage cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: segment coverage cells rows: %w", err)
	}
	return cells, nil
}

// ActivateSegments applies every activation for a single matched polyline
// inside one transaction, so a partial activation is either fully visible
// or fully rolled back (spec §4.3). Each segment row is locked with
// SELECT ... FOR UPDATE before its monotone-advance check, and the daily
// plow_count_today reset happens under the same lock.
func (s *Store) ActivateSegments(ctx context.Context, polylineID int64, deviceID string, endTime time.Time, activations []SegmentActivation) ([]ActivationResult, error) {
	if len(activations) == 0 {
		return nil, nil
	}

	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin activation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	results := make([]ActivationResult, 0, len(activations))
	for _, a := range activations {
		applied, err := s.advanceSegmentLocked(ctx, tx, a.SegmentID, a.Direction, endTime, deviceID)
		if err != nil {
			return nil, fmt.Errorf("store: advance segment %d: %w", a.SegmentID, err)
		}
		results = append(results, ActivationResult{SegmentID: a.SegmentID, Applied: applied})
		metrics.SegmentAdvancesTotal.WithLabelValues(strconv.FormatBool(applied)).Inc()

		if _, err := tx.Exec(ctx, `
			INSERT INTO segment_updates (segment_id, polyline_id, device_id, direction, overlap_percentage, "timestamp")
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (segment_id, polyline_id) DO NOTHING`,
			a.SegmentID, polylineID, deviceID, a.Direction, a.OverlapPercentage, endTime,
		); err != nil {
			return nil, fmt.Errorf("store: append segment update for segment %d: %w", a.SegmentID, err)
		}
		metrics.SegmentUpdatesTotal.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit activation tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("activate_segments").Observe(time.Since(start).Seconds())
	return results, nil
}

func (s *Store) advanceSegmentLocked(ctx context.Context, tx pgx.Tx, segmentID int64, direction string, endTime time.Time, deviceID string) (bool, error) {
	var lastForward, lastReverse *time.Time
	var plowToday, plowTotal int
	var lastReset *time.Time

	err := tx.QueryRow(ctx, `
		SELECT last_serviced_forward, last_serviced_reverse, plow_count_today, plow_count_total, last_reset_date
		FROM road_segments WHERE id = $1 FOR UPDATE`, segmentID,
	).Scan(&lastForward, &lastReverse, &plowToday, &plowTotal, &lastReset)
	if err != nil {
		return false, fmt.Errorf("select segment for update: %w", err)
	}

	var current *time.Time
	switch direction {
	case "forward":
		current = lastForward
	case "reverse":
		current = lastReverse
	default:
		return false, fmt.Errorf("invalid direction %q", direction)
	}

	if current != nil && !endTime.After(*current) {
		return false, nil
	}

	today := endTime.UTC().Truncate(24 * time.Hour)
	if lastReset == nil || !lastReset.UTC().Truncate(24*time.Hour).Equal(today) {
		plowToday = 0
		lastReset = &today
	}
	plowToday++
	plowTotal++

	column := "last_serviced_forward"
	if direction == "reverse" {
		column = "last_serviced_reverse"
	}
	query := fmt.Sprintf(`
		UPDATE road_segments SET
			%s = $2,
			last_serviced_device_id = $3,
			plow_count_today = $4,
			plow_count_total = $5,
			last_reset_date = $6,
			updated_at = now()
		WHERE id = $1`, pgx.Identifier{column}.Sanitize())

	if _, err := tx.Exec(ctx, query, segmentID, endTime, deviceID, plowToday, plowTotal, *lastReset); err != nil {
		return false, fmt.Errorf("update segment: %w", err)
	}
	return true, nil
}

// ProcessingLogEntry mirrors a row in processing_log.
type ProcessingLogEntry struct {
	BatchID             string
	DeviceID            string
	StartTime           time.Time
	EndTime             time.Time
	CoordinateCount     int
	Status              string
	ProcessingStartedAt time.Time
	OSRMCalls           int
	OSRMSuccessRate     *float64
	ErrorMessage        *string
	ErrorCode           *string
	DurationMS          *int
}

// LogProcessing upserts on batch_id; a terminal status overwrites a
// non-terminal one.
func (s *Store) LogProcessing(ctx context.Context, e ProcessingLogEntry) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log
			(batch_id, device_id, start_time, end_time, coordinate_count, status,
			 processing_started_at, osrm_calls, osrm_success_rate, error_message, error_code, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_id) DO UPDATE SET
			status            = EXCLUDED.status,
			osrm_calls        = EXCLUDED.osrm_calls,
			osrm_success_rate = EXCLUDED.osrm_success_rate,
			error_message     = EXCLUDED.error_message,
			error_code        = EXCLUDED.error_code,
			duration_ms       = EXCLUDED.duration_ms`,
		e.BatchID, e.DeviceID, e.StartTime, e.EndTime, e.CoordinateCount, e.Status,
		e.ProcessingStartedAt, e.OSRMCalls, e.OSRMSuccessRate, e.ErrorMessage, e.ErrorCode, e.DurationMS,
	)
	metrics.DBWriteDuration.WithLabelValues("log_processing").Observe(time.Since(start).Seconds())
	metrics.BatchesTotal.WithLabelValues(e.Status).Inc()
	if err != nil {
		return fmt.Errorf("store: log processing: %w", err)
	}
	return nil
}

// FailureCount returns the number of failed processing_log rows recorded
// for a given device/window, used to decide when to abandon a batch.
func (s *Store) FailureCount(ctx context.Context, deviceID string, startTime, endTime time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM processing_log
		WHERE device_id = $1 AND start_time = $2 AND end_time = $3 AND status = 'failed'`,
		deviceID, startTime, endTime,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failure count: %w", err)
	}
	return n, nil
}

// Stats is a snapshot of processing_log counters for periodic reporting.
type Stats struct {
	Completed int64
	Skipped   int64
	Failed    int64
	Abandoned int64
	OSRMCalls int64
}

// Stats reports aggregate processing_log counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'skipped'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'abandoned'),
			coalesce(sum(osrm_calls), 0)
		FROM processing_log`,
	).Scan(&st.Completed, &st.Skipped, &st.Failed, &st.Abandoned, &st.OSRMCalls)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// Ping verifies the underlying pool is reachable; used by ReadAPI's
// readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PolylineRow is a CachedPolyline row as read back by ReadAPI, with the
// geometry pre-rendered as GeoJSON.
type PolylineRow struct {
	ID              int64
	DeviceID        string
	StartTime       time.Time
	EndTime         time.Time
	EncodedPolyline string
	GeometryGeoJSON string
	Bearing         float64
	Confidence      float64
	PointCount      int
	BatchID         string
}

// PolylinesSince returns CachedPolyline rows with start_time after since,
// ordered by start_time ascending (spec §4.8's ordering guarantee). An
// empty deviceID selects every device.
func (s *Store) PolylinesSince(ctx context.Context, deviceID string, since time.Time) ([]PolylineRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, start_time, end_time, encoded_polyline,
		       ST_AsGeoJSON(geometry), bearing, confidence, point_count, batch_id
		FROM cached_polylines
		WHERE start_time > $1 AND ($2 = '' OR device_id = $2)
		ORDER BY start_time ASC`, since, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: polylines since: %w", err)
	}
	defer rows.Close()

	var out []PolylineRow
	for rows.Next() {
		var p PolylineRow
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.StartTime, &p.EndTime, &p.EncodedPolyline,
			&p.GeometryGeoJSON, &p.Bearing, &p.Confidence, &p.PointCount, &p.BatchID); err != nil {
			return nil, fmt.Errorf("store: scan polyline row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: polylines since rows: %w", err)
	}
	return out, nil
}

// PolylineByID looks up a single cached polyline, or nil if it doesn't exist.
func (s *Store) PolylineByID(ctx context.Context, id int64) (*PolylineRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, device_id, start_time, end_time, encoded_polyline,
		       ST_AsGeoJSON(geometry), bearing, confidence, point_count, batch_id
		FROM cached_polylines WHERE id = $1`, id)

	var p PolylineRow
	err := row.Scan(&p.ID, &p.DeviceID, &p.StartTime, &p.EndTime, &p.EncodedPolyline,
		&p.GeometryGeoJSON, &p.Bearing, &p.Confidence, &p.PointCount, &p.BatchID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: polyline by id: %w", err)
	}
	return &p, nil
}

// SegmentRow is a RoadSegment row as read back by ReadAPI, with the
// geometry pre-rendered as GeoJSON.
type SegmentRow struct {
	ID                   int64
	MunicipalityID       string
	GeometryGeoJSON      string
	Bearing              float64
	StreetName           *string
	RoadClassification   *string
	SegmentLength        float64
	OSMWayID             *int64
	LastServicedForward  *time.Time
	LastServicedReverse  *time.Time
	LastServicedDeviceID *string
	PlowCountToday       int
	PlowCountTotal       int
}

const segmentRowColumns = `
	id, municipality_id, ST_AsGeoJSON(geometry), bearing, street_name, road_classification,
	segment_length, osm_way_id, last_serviced_forward, last_serviced_reverse,
	last_serviced_device_id, plow_count_today, plow_count_total`

func scanSegmentRow(row pgx.Row) (*SegmentRow, error) {
	var s SegmentRow
	err := row.Scan(&s.ID, &s.MunicipalityID, &s.GeometryGeoJSON, &s.Bearing, &s.StreetName,
		&s.RoadClassification, &s.SegmentLength, &s.OSMWayID, &s.LastServicedForward,
		&s.LastServicedReverse, &s.LastServicedDeviceID, &s.PlowCountToday, &s.PlowCountTotal)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SegmentsForMunicipality returns road segments for a municipality, ordered
// by greatest(last_serviced_forward, last_serviced_reverse) descending
// (spec §4.8). When all is true, since is ignored and every segment for the
// municipality is returned; otherwise only segments serviced (in either
// direction) at or after since are included.
func (s *Store) SegmentsForMunicipality(ctx context.Context, municipalityID string, since time.Time, all bool) ([]SegmentRow, error) {
	query := `SELECT ` + segmentRowColumns + `
		FROM road_segments
		WHERE municipality_id = $1`
	args := []any{municipalityID}
	if !all {
		query += ` AND greatest(last_serviced_forward, last_serviced_reverse) >= $2`
		args = append(args, since)
	}
	query += ` ORDER BY greatest(last_serviced_forward, last_serviced_reverse) DESC NULLS LAST`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: segments for municipality: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		seg, err := scanSegmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan segment row: %w", err)
		}
		out = append(out, *seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: segments for municipality rows: %w", err)
	}
	return out, nil
}

// SegmentByID looks up a single road segment, or nil if it doesn't exist.
func (s *Store) SegmentByID(ctx context.Context, id int64) (*SegmentRow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+segmentRowColumns+` FROM road_segments WHERE id = $1`, id)
	seg, err := scanSegmentRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: segment by id: %w", err)
	}
	return seg, nil
}

// BoundaryRow is a municipality boundary polygon, with geometry
// pre-rendered as GeoJSON. Populated by an external import out of this
// core's scope; ReadAPI only reads it back.
type BoundaryRow struct {
	MunicipalityID  string
	Name            string
	GeometryGeoJSON string
}

// Boundary looks up a municipality's boundary polygon, or nil if it
// doesn't exist.
func (s *Store) Boundary(ctx context.Context, municipalityID string) (*BoundaryRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT municipality_id, name, ST_AsGeoJSON(geometry)
		FROM municipality_boundaries WHERE municipality_id = $1`, municipalityID)

	var b BoundaryRow
	err := row.Scan(&b.MunicipalityID, &b.Name, &b.GeometryGeoJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: boundary: %w", err)
	}
	return &b, nil
}

// PolylineWKT builds a WKT LINESTRING from an ordered (lon,lat) sequence.
func PolylineWKT(coords [][2]float64) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.FormatFloat(c[0], 'f', 6, 64) + " " + strconv.FormatFloat(c[1], 'f', 6, 64)
	}
	return "LINESTRING(" + strings.Join(parts, ", ") + ")"
}
