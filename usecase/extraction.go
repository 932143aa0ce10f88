package usecase

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

var extractionTimer = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:      "extraction_time",
	Help:      "A histogram for sensor data extraction time (ms)",
	Buckets:   prometheus.LinearBuckets(20, 20, 300),
	Subsystem: "studysync",
	Namespace: "studykit",
})

type (
	// errorCounter to record only the first error to avoid spamming the log
	errorCounter struct {
		firstError error
		numErrors  int
	}

	// Extractor assembles windowed time series out of the stored
	// capture batches for researchers and the export pipeline.
	Extractor struct {
		repository SyncRepository
		logger     *log.Logger
	}
)

func NewExtractor(logger *log.Logger, repository SyncRepository) *Extractor {
	return &Extractor{
		repository: repository,
		logger:     logger,
	}
}

// SensorData extracts the requested window of one sensor type as a
// single columnar frame. Batches stream from the store in identifier
// order; each is filtered sample by sample against the window bounds,
// then the global skip and limit apply to the concatenated sequence.
// When the window asks for duplicate filtering, a timestamp already
// emitted by an earlier batch of this request is dropped; duplicates
// inside one batch are kept, the store is not expected to produce them.
func (e *Extractor) SensorData(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (*schema.SensorFrame, *common.DetailedError) {
	start := time.Now()
	defer func() {
		extractionTimer.Observe(float64(time.Since(start).Milliseconds()))
	}()

	iter, err := e.repository.FindSensorBatches(ctx, traceID, userID, sensorType, window)
	if err != nil {
		return nil, detailed(errorRunningQuery, "SensorData", userID.Hex(), traceID, err.Error())
	}
	defer iter.Close(ctx)

	var seen map[int64]struct{}
	if window.FilterDuplicates {
		seen = map[int64]struct{}{}
	}

	var result *schema.SensorFrame
	var integrity errorCounter
	skipRemaining := window.SkipCount()
	var emitted int64

	for iter.Next(ctx) {
		var doc bson.M
		if err = iter.Decode(&doc); err != nil {
			return nil, detailed(errorRunningQuery, "SensorData", userID.Hex(), traceID, err.Error())
		}
		batch, decodeErr := schema.DecodeSensorBatch(doc)
		if decodeErr != nil {
			// damaged batches are skipped, the rest of the series is still served
			integrity.numErrors++
			if integrity.firstError == nil {
				integrity.firstError = decodeErr
			}
			continue
		}

		frame := batch.FilterWindow(window, seen)
		if frame.Len() == 0 {
			continue
		}

		if skipRemaining > 0 {
			if int64(frame.Len()) <= skipRemaining {
				skipRemaining -= int64(frame.Len())
				continue
			}
			frame.TruncateHead(int(skipRemaining))
			skipRemaining = 0
		}
		if window.Limit != nil {
			remaining := *window.Limit - emitted
			if remaining <= 0 {
				break
			}
			if int64(frame.Len()) > remaining {
				frame.TruncateTail(frame.Len() - int(remaining))
			}
		}

		if seen != nil {
			for _, t := range frame.Timestamps {
				seen[t] = struct{}{}
			}
		}
		if result == nil {
			result = frame
		} else {
			result.Extend(frame)
		}
		emitted += int64(frame.Len())
	}

	if integrity.numErrors > 0 {
		e.logger.Printf("integrity warning: skipped %d damaged sensor batches user=[%s] type=[%s] traceID=[%s] firstError=[%v]",
			integrity.numErrors, userID.Hex(), sensorType, traceID, integrity.firstError)
	}
	if result == nil {
		result = schema.NewSensorFrame()
	}
	return result, nil
}

// CountSensorData counts the samples of one sensor type inside the
// window bounds without materializing them. Skip, limit and duplicate
// filtering do not apply to counts.
func (e *Extractor) CountSensorData(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (int64, *common.DetailedError) {
	count, err := e.repository.CountSensorSamples(ctx, traceID, userID, sensorType, window)
	if err != nil {
		return 0, detailed(errorRunningQuery, "CountSensorData", userID.Hex(), traceID, err.Error())
	}
	return count, nil
}

// DayRecords extracts the day records whose effective day falls inside
// the window, in export shape (internal bookkeeping and ids stripped).
func (e *Extractor) DayRecords(ctx context.Context, traceID string, userID primitive.ObjectID, window schema.Window) ([]map[string]interface{}, *common.DetailedError) {
	start, end := window.DayBounds()
	iter, err := e.repository.FindDayRecords(ctx, traceID, userID, start, end, window.Skip, window.Limit)
	if err != nil {
		return nil, detailed(errorRunningQuery, "DayRecords", userID.Hex(), traceID, err.Error())
	}
	defer iter.Close(ctx)

	records := []map[string]interface{}{}
	for iter.Next(ctx) {
		var doc bson.M
		if err = iter.Decode(&doc); err != nil {
			return nil, detailed(errorRunningQuery, "DayRecords", userID.Hex(), traceID, err.Error())
		}
		records = append(records, schema.RecordToExport(doc))
	}
	return records, nil
}

// SensorTypes lists the sensor types the user has data for
func (e *Extractor) SensorTypes(ctx context.Context, traceID string, userID primitive.ObjectID) ([]string, *common.DetailedError) {
	types, err := e.repository.DistinctSensorTypes(ctx, traceID, userID)
	if err != nil {
		return nil, detailed(errorRunningQuery, "SensorTypes", userID.Hex(), traceID, err.Error())
	}
	return types, nil
}

// CountDayRecords counts every day record of the user
func (e *Extractor) CountDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID) (int64, *common.DetailedError) {
	count, err := e.repository.CountDayRecords(ctx, traceID, userID)
	if err != nil {
		return 0, detailed(errorRunningQuery, "CountDayRecords", userID.Hex(), traceID, err.Error())
	}
	return count, nil
}
