package usecase

import (
	"context"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

type (
	// DataStats summarizes one stored series of a user: how many
	// entries it has and the time range they cover. Sensor series are
	// reported per sensor type, day records as a single entry.
	DataStats struct {
		DataType       schema.DataKind `json:"data_type"`
		SensorDataType string          `json:"sensor_data_type,omitempty"`
		NumDatasets    int64           `json:"num_datasets"`
		TimestampFirst *int64          `json:"timestamp_first"`
		TimestampLast  *int64          `json:"timestamp_last"`
	}

	// StatsSnapshot is the study-wide stats view built by the
	// regeneration worker after each finished sync session.
	StatsSnapshot struct {
		GeneratedAt time.Time              `json:"generated_at"`
		Users       map[string][]DataStats `json:"users"`
	}

	// StatsCache holds the latest study-wide snapshot. Reads never
	// block on regeneration, they see the previous snapshot until the
	// worker swaps in a new one.
	StatsCache struct {
		mutex      sync.RWMutex
		snapshot   *StatsSnapshot
		extractor  *Extractor
		repository SyncRepository
		logger     *log.Logger
	}
)

// UserStats computes the per-series summary of one user's data
func (e *Extractor) UserStats(ctx context.Context, traceID string, userID primitive.ObjectID) ([]DataStats, *common.DetailedError) {
	stats := []DataStats{}

	sensorTypes, err := e.repository.DistinctSensorTypes(ctx, traceID, userID)
	if err != nil {
		return nil, detailed(errorRunningQuery, "UserStats", userID.Hex(), traceID, err.Error())
	}
	for _, sensorType := range sensorTypes {
		numSamples, err := e.repository.CountSensorSamples(ctx, traceID, userID, sensorType, schema.Window{})
		if err != nil {
			return nil, detailed(errorRunningQuery, "UserStats", userID.Hex(), traceID, err.Error())
		}
		first, last, err := e.repository.SensorSampleRange(ctx, traceID, userID, sensorType)
		if err != nil {
			return nil, detailed(errorRunningQuery, "UserStats", userID.Hex(), traceID, err.Error())
		}
		stats = append(stats, DataStats{
			DataType:       schema.KindSensorData,
			SensorDataType: sensorType,
			NumDatasets:    numSamples,
			TimestampFirst: first,
			TimestampLast:  last,
		})
	}

	numDays, err := e.repository.CountDayRecords(ctx, traceID, userID)
	if err != nil {
		return nil, detailed(errorRunningQuery, "UserStats", userID.Hex(), traceID, err.Error())
	}
	if numDays > 0 {
		first, last, err := e.repository.DayRecordRange(ctx, traceID, userID)
		if err != nil {
			return nil, detailed(errorRunningQuery, "UserStats", userID.Hex(), traceID, err.Error())
		}
		stats = append(stats, DataStats{
			DataType:       schema.KindDayRecord,
			NumDatasets:    numDays,
			TimestampFirst: first,
			TimestampLast:  last,
		})
	}
	return stats, nil
}

func NewStatsCache(logger *log.Logger, repository SyncRepository, extractor *Extractor) *StatsCache {
	return &StatsCache{
		extractor:  extractor,
		repository: repository,
		logger:     logger,
	}
}

// Regenerate rebuilds the study-wide snapshot from scratch. It runs on
// the regeneration worker, never on a request goroutine.
func (c *StatsCache) Regenerate() error {
	ctx := common.TimeItContext(context.Background())
	traceID := "stats-regeneration"

	userIDs, err := c.repository.ListActiveUserIDs(ctx, traceID)
	if err != nil {
		return err
	}
	users := make(map[string][]DataStats, len(userIDs))
	for _, userID := range userIDs {
		stats, detailedErr := c.extractor.UserStats(ctx, traceID, userID)
		if detailedErr != nil {
			c.logger.Printf("stats regeneration skipping user=[%s]: %s", userID.Hex(), detailedErr.InternalMessage)
			continue
		}
		users[userID.Hex()] = stats
	}
	snapshot := &StatsSnapshot{
		GeneratedAt: time.Now().UTC(),
		Users:       users,
	}

	c.mutex.Lock()
	c.snapshot = snapshot
	c.mutex.Unlock()
	c.logger.Printf("stats snapshot regenerated for %d users", len(users))
	return nil
}

// Snapshot returns the latest study-wide snapshot, nil when no
// regeneration has completed yet.
func (c *StatsCache) Snapshot() *StatsSnapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.snapshot
}
