// Package processor implements per-device orchestration: it turns a
// device's unprocessed GPS points into matched, activated road-segment
// updates, one batch at a time.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/batch"
	"github.com/plowpath/pipeline/internal/geomath"
	"github.com/plowpath/pipeline/internal/matcher"
	"github.com/plowpath/pipeline/internal/segment"
	"github.com/plowpath/pipeline/internal/store"
	"github.com/plowpath/pipeline/internal/writer"
)

// Store is the narrow persistence dependency DeviceProcessor needs.
type Store interface {
	LastProcessedPoint(ctx context.Context, deviceID string) (*store.RawGpsPoint, error)
	UnprocessedPoints(ctx context.Context, deviceID string) ([]store.RawGpsPoint, error)
	MarkProcessed(ctx context.Context, pointIDs []int64, batchID string) error
	LogProcessing(ctx context.Context, e store.ProcessingLogEntry) error
	FailureCount(ctx context.Context, deviceID string, startTime, endTime time.Time) (int, error)
}

// Matcher is the narrow map-matching dependency DeviceProcessor needs.
type Matcher interface {
	MatchWithRetry(ctx context.Context, coords []matcher.Coord) (*matcher.Matched, error)
}

// Writer persists a matched batch as a cached polyline.
type Writer interface {
	Write(ctx context.Context, in writer.WriteInput) (writer.Result, error)
}

// Activator turns a written polyline into road-segment activations.
type Activator interface {
	Activate(ctx context.Context, in segment.Input) ([]store.ActivationResult, error)
}

// Config tunes batch formation and retry/abandonment behavior.
type Config struct {
	Batch      batch.Config
	MaxRetries int
}

// DeviceProcessor runs the fetch -> batch -> match -> write -> activate ->
// mark-processed pipeline for one device at a time.
type DeviceProcessor struct {
	store     Store
	matcher   Matcher
	writer    Writer
	activator Activator
	cfg       Config
	log       *zap.Logger
}

// New constructs a DeviceProcessor.
func New(s Store, m Matcher, w Writer, a Activator, cfg Config, log *zap.Logger) *DeviceProcessor {
	return &DeviceProcessor{store: s, matcher: m, writer: w, activator: a, cfg: cfg, log: log.Named("processor")}
}

// ProcessDevice fetches a device's anchor and unprocessed points, forms
// batches, and runs each through matching, writing, and activation.
// Errors within one batch are logged and never abort the remaining
// batches for this device.
func (p *DeviceProcessor) ProcessDevice(ctx context.Context, deviceID string) error {
	anchorRow, err := p.store.LastProcessedPoint(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("processor: last processed point for %s: %w", deviceID, err)
	}

	rows, err := p.store.UnprocessedPoints(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("processor: unprocessed points for %s: %w", deviceID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	var anchor *batch.Point
	if anchorRow != nil {
		anchor = &batch.Point{ID: anchorRow.ID, Lat: anchorRow.Lat, Lon: anchorRow.Lon, RecordedAt: anchorRow.RecordedAt}
	}

	points := make([]batch.Point, len(rows))
	for i, r := range rows {
		points[i] = batch.Point{ID: r.ID, Lat: r.Lat, Lon: r.Lon, RecordedAt: r.RecordedAt}
	}

	for _, b := range batch.BuildBatches(anchor, points, p.cfg.Batch) {
		p.processBatch(ctx, deviceID, b)
	}
	return nil
}

func (p *DeviceProcessor) processBatch(ctx context.Context, deviceID string, b batch.Batch) {
	startTime := b.Points[0].RecordedAt
	endTime := b.Points[len(b.Points)-1].RecordedAt
	batchID := uuid.NewString()
	processingStarted := time.Now()

	logger := p.log.With(
		zap.String("device_id", deviceID),
		zap.String("batch_id", batchID),
		zap.Time("start_time", startTime),
		zap.Time("end_time", endTime),
	)

	if !b.HasSignificantMovement(p.cfg.Batch) {
		if err := p.store.MarkProcessed(ctx, b.NewPointIDs, batchID); err != nil {
			logger.Error("mark processed failed for skipped batch", zap.Error(err))
			return
		}
		p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, len(b.Points), "skipped", processingStarted, 0, nil, nil, nil)
		return
	}

	coords := make([]matcher.Coord, len(b.Points))
	for i, pt := range b.Points {
		coords[i] = matcher.Coord{Lon: pt.Lon, Lat: pt.Lat}
	}

	matched, err := p.matcher.MatchWithRetry(ctx, coords)
	if err == nil && len(matched.Coordinates) < 2 {
		err = matcher.NoMatch{}
	}
	if err != nil {
		p.handleMatchFailure(ctx, logger, deviceID, batchID, startTime, endTime, len(b.Points), b.NewPointIDs, processingStarted, err)
		return
	}

	matchedCoords := make([]writer.MatchedCoord, len(matched.Coordinates))
	wktCoords := make([][2]float64, len(matched.Coordinates))
	vertices := make([]geomath.Point, len(matched.Coordinates))
	for i, c := range matched.Coordinates {
		matchedCoords[i] = writer.MatchedCoord{Lon: c.Lon, Lat: c.Lat}
		wktCoords[i] = [2]float64{c.Lon, c.Lat}
		vertices[i] = geomath.Point{Lat: c.Lat, Lon: c.Lon}
	}

	writeRes, err := p.writer.Write(ctx, writer.WriteInput{
		DeviceID:        deviceID,
		BatchID:         batchID,
		FirstRecordedAt: startTime,
		LastRecordedAt:  endTime,
		PointCount:      len(b.NewPointIDs),
		Matched:         matchedCoords,
		Confidence:      matched.Confidence,
	})
	if err != nil {
		logger.Error("writing matched polyline failed", zap.Error(err))
		p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, len(b.Points), "failed", processingStarted, 1, floatPtr(0), strPtr("write_error"), strPtr(err.Error()))
		return
	}

	if _, err := p.activator.Activate(ctx, segment.Input{
		PolylineID:      writeRes.PolylineID,
		DeviceID:        deviceID,
		GeometryWKT:     store.PolylineWKT(wktCoords),
		PolylineBearing: writeRes.Bearing,
		EndTime:         endTime,
		Vertices:        vertices,
	}); err != nil {
		logger.Error("activating segments failed", zap.Error(err))
		p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, len(b.Points), "failed", processingStarted, 1, floatPtr(0), strPtr("activation_error"), strPtr(err.Error()))
		return
	}

	if err := p.store.MarkProcessed(ctx, b.NewPointIDs, batchID); err != nil {
		logger.Error("mark processed failed after successful activation", zap.Error(err))
		return
	}

	p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, len(b.Points), "completed", processingStarted, 1, floatPtr(100), nil, nil)
}

// handleMatchFailure implements spec's MATCHING-fails transition: log the
// failure, count prior failures for this interval, and abandon (mark
// processed anyway) once max_retries is reached so the device never
// wedges behind a permanently unmatchable batch.
func (p *DeviceProcessor) handleMatchFailure(ctx context.Context, logger *zap.Logger, deviceID, batchID string, startTime, endTime time.Time, coordinateCount int, newPointIDs []int64, processingStarted time.Time, matchErr error) {
	code, msg := classifyMatchError(matchErr)
	logger.Warn("matching failed", zap.String("error_code", code), zap.Error(matchErr))

	priorFailures, err := p.store.FailureCount(ctx, deviceID, startTime, endTime)
	if err != nil {
		logger.Error("failure count lookup failed", zap.Error(err))
		p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, coordinateCount, "failed", processingStarted, 1, floatPtr(0), strPtr(code), strPtr(msg))
		return
	}
	failures := priorFailures + 1

	p.logResult(ctx, logger, batchID, deviceID, startTime, endTime, coordinateCount, "failed", processingStarted, 1, floatPtr(0), strPtr(code), strPtr(msg))

	if failures < p.cfg.MaxRetries {
		return
	}

	logger.Warn("abandoning batch after exhausting retries", zap.Int("failures", failures))
	abandonedBatchID := uuid.NewString()
	if err := p.store.MarkProcessed(ctx, newPointIDs, abandonedBatchID); err != nil {
		logger.Error("mark processed failed for abandoned batch", zap.Error(err))
		return
	}
	p.logResult(ctx, logger, abandonedBatchID, deviceID, startTime, endTime, coordinateCount, "abandoned", processingStarted, 1, floatPtr(0), strPtr(code), strPtr(msg))
}

func classifyMatchError(err error) (code string, message string) {
	var nm matcher.NoMatch
	if errors.As(err, &nm) {
		return "no_match", err.Error()
	}
	var te *matcher.TransportError
	if errors.As(err, &te) {
		if te.Retryable {
			return "transport_error_retryable", err.Error()
		}
		return "transport_error", err.Error()
	}
	return "unknown", err.Error()
}

func (p *DeviceProcessor) logResult(ctx context.Context, logger *zap.Logger, batchID, deviceID string, startTime, endTime time.Time, coordinateCount int, status string, processingStarted time.Time, osrmCalls int, osrmSuccessRate *float64, errorCode, errorMessage *string) {
	durationMS := int(time.Since(processingStarted).Milliseconds())
	entry := store.ProcessingLogEntry{
		BatchID:             batchID,
		DeviceID:            deviceID,
		StartTime:           startTime,
		EndTime:             endTime,
		CoordinateCount:     coordinateCount,
		Status:              status,
		ProcessingStartedAt: processingStarted,
		OSRMCalls:           osrmCalls,
		OSRMSuccessRate:     osrmSuccessRate,
		ErrorMessage:        errorMessage,
		ErrorCode:           errorCode,
		DurationMS:          &durationMS,
	}
	if err := p.store.LogProcessing(ctx, entry); err != nil {
		logger.Error("logging processing result failed", zap.Error(err))
	}
}

func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }
