package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/infrastructure"
	"github.com/studykit/studysync/schema"
)

func seedSensorBatch(repository *infrastructure.MockSyncRepository, userID primitive.ObjectID, sensorType string, timestamps []int64, values []interface{}) {
	repository.Docs[schema.KindSensorData] = append(repository.Docs[schema.KindSensorData], bson.M{
		schema.FieldID:          primitive.NewObjectID(),
		schema.FieldUserID:      userID,
		schema.FieldType:        sensorType,
		schema.TimestampsColumn: timestamps,
		"values":                values,
	})
}

func int64Ref(v int64) *int64 {
	return &v
}

func TestExtractor_SensorData_Window(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000, 3000}, []interface{}{70, 71, 72})
	seedSensorBatch(repository, userID, "heart_rate", []int64{4000, 5000, 6000}, []interface{}{73, 74, 75})
	seedSensorBatch(repository, userID, "step_count", []int64{1000}, []interface{}{10})

	frame, detailedErr := extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{
		TimestampFirst: int64Ref(2000),
		TimestampLast:  int64Ref(5000),
	})
	assert.Nil(t, detailedErr)
	assert.Equal(t, []int64{2000, 3000, 4000, 5000}, frame.Timestamps)
	assert.Equal(t, []interface{}{71, 72, 73, 74}, frame.Columns["values"])
}

func TestExtractor_SensorData_SkipAndLimitSpanBatches(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000, 3000}, []interface{}{70, 71, 72})
	seedSensorBatch(repository, userID, "heart_rate", []int64{4000, 5000, 6000}, []interface{}{73, 74, 75})

	frame, detailedErr := extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{
		Skip:  int64Ref(2),
		Limit: int64Ref(3),
	})
	assert.Nil(t, detailedErr)
	assert.Equal(t, []int64{3000, 4000, 5000}, frame.Timestamps)
	assert.Equal(t, []interface{}{72, 73, 74}, frame.Columns["values"])
}

func TestExtractor_SensorData_LimitZero(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000}, []interface{}{70, 71})

	frame, detailedErr := extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{Limit: int64Ref(0)})
	assert.Nil(t, detailedErr)
	assert.Empty(t, frame.Timestamps)
	assert.NotNil(t, frame.Timestamps, "an empty result still has its arrays")
}

func TestExtractor_SensorData_NoData(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)

	frame, detailedErr := extractor.SensorData(testContext(), "trace1", userID, "heart_rate", schema.Window{})
	assert.Nil(t, detailedErr)
	assert.Empty(t, frame.Timestamps)
	assert.Empty(t, frame.Columns)
}

func TestExtractor_SensorData_FilterDuplicates(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	// the second batch re-reports timestamp 2000
	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000}, []interface{}{70, 71})
	seedSensorBatch(repository, userID, "heart_rate", []int64{2000, 3000}, []interface{}{80, 72})

	frame, detailedErr := extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{FilterDuplicates: true})
	assert.Nil(t, detailedErr)
	assert.Equal(t, []int64{1000, 2000, 3000}, frame.Timestamps)
	assert.Equal(t, []interface{}{70, 71, 72}, frame.Columns["values"])

	frame, detailedErr = extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{})
	assert.Nil(t, detailedErr)
	assert.Equal(t, []int64{1000, 2000, 2000, 3000}, frame.Timestamps, "duplicates are kept without the filter")
}

func TestExtractor_SensorData_DamagedBatchSkipped(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000}, []interface{}{70})
	// mismatched column length makes the batch undecodable
	repository.Docs[schema.KindSensorData] = append(repository.Docs[schema.KindSensorData], bson.M{
		schema.FieldID:          primitive.NewObjectID(),
		schema.FieldUserID:      userID,
		schema.FieldType:        "heart_rate",
		schema.TimestampsColumn: []int64{2000, 3000},
		"values":                []interface{}{71},
	})
	seedSensorBatch(repository, userID, "heart_rate", []int64{4000}, []interface{}{72})

	frame, detailedErr := extractor.SensorData(ctx, "trace1", userID, "heart_rate", schema.Window{})
	assert.Nil(t, detailedErr)
	assert.Equal(t, []int64{1000, 4000}, frame.Timestamps, "the series is served around the damaged batch")
}

func TestExtractor_CountSensorData(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000, 3000}, []interface{}{70, 71, 72})
	seedSensorBatch(repository, userID, "heart_rate", []int64{4000, 5000}, []interface{}{73, 74})

	count, detailedErr := extractor.CountSensorData(ctx, "trace1", userID, "heart_rate", schema.Window{
		TimestampFirst: int64Ref(2000),
		TimestampLast:  int64Ref(4000),
	})
	assert.Nil(t, detailedErr)
	assert.Equal(t, int64(3), count)
}

func TestExtractor_DayRecords(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedServerDayRecord(repository, userID, time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC), bson.M{"steps": float64(100)})
	seedServerDayRecord(repository, userID, time.Date(2023, time.April, 3, 0, 0, 0, 0, time.UTC), bson.M{"steps": float64(300)})
	seedServerDayRecord(repository, userID, time.Date(2023, time.April, 7, 0, 0, 0, 0, time.UTC), bson.M{"steps": float64(700)})

	// bounds anywhere inside a day select the whole day
	noon3 := time.Date(2023, time.April, 3, 12, 0, 0, 0, time.UTC).UnixMilli()
	records, detailedErr := extractor.DayRecords(ctx, "trace1", userID, schema.Window{
		TimestampFirst: &noon3,
		TimestampLast:  &noon3,
	})
	assert.Nil(t, detailedErr)
	assert.Len(t, records, 1)
	assert.Equal(t, float64(300), records[0]["steps"])
	assert.Equal(t, time.Date(2023, time.April, 3, 0, 0, 0, 0, time.UTC).Unix(), records[0]["effective_day"])
	_, hasID := records[0]["id"]
	assert.False(t, hasID, "export shape carries no record ids")

	// skip and limit page the full series
	one := int64(1)
	records, detailedErr = extractor.DayRecords(ctx, "trace1", userID, schema.Window{Skip: &one, Limit: &one})
	assert.Nil(t, detailedErr)
	assert.Len(t, records, 1)
	assert.Equal(t, float64(300), records[0]["steps"])
}

func TestExtractor_UserStats(t *testing.T) {
	userID := primitive.NewObjectID()
	repository := infrastructure.NewMockSyncRepository()
	extractor := NewExtractor(testLogger, repository)
	ctx := testContext()

	seedSensorBatch(repository, userID, "heart_rate", []int64{1000, 2000, 3000}, []interface{}{70, 71, 72})
	seedSensorBatch(repository, userID, "step_count", []int64{500}, []interface{}{10})
	day := time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC)
	seedServerDayRecord(repository, userID, day, nil)

	stats, detailedErr := extractor.UserStats(ctx, "trace1", userID)
	assert.Nil(t, detailedErr)
	assert.Len(t, stats, 3)

	byType := map[string]DataStats{}
	for _, s := range stats {
		key := string(s.DataType) + "/" + s.SensorDataType
		byType[key] = s
	}

	heartRate := byType["SensorData/heart_rate"]
	assert.Equal(t, int64(3), heartRate.NumDatasets)
	assert.Equal(t, int64(1000), *heartRate.TimestampFirst)
	assert.Equal(t, int64(3000), *heartRate.TimestampLast)

	days := byType["UserData/"]
	assert.Equal(t, int64(1), days.NumDatasets)
	assert.Equal(t, day.UnixMilli(), *days.TimestampFirst)
	assert.Equal(t, day.UnixMilli(), *days.TimestampLast)
}
