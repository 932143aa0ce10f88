package usecase

import (
	"bytes"
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// SyncRepository is the storage contract for sync sessions and study records.
type SyncRepository interface {
	CreateSession(ctx context.Context, userID primitive.ObjectID) (*schema.SyncSession, error)
	GetSession(ctx context.Context, traceID string, sessionID primitive.ObjectID) (*schema.SyncSession, error)
	FindOpenSessions(ctx context.Context, userID primitive.ObjectID) ([]schema.SyncSession, error)
	RemoveOpenSessions(ctx context.Context, userID primitive.ObjectID) error
	MarkSessionFinished(ctx context.Context, sessionID primitive.ObjectID, finishTime time.Time) error
	IncrementSessionCounters(ctx context.Context, sessionID primitive.ObjectID, kind schema.DataKind, delta schema.SessionCounters) error
	PromoteDownloadMarkers(ctx context.Context, sessionID primitive.ObjectID) error
	DiscardSessionData(ctx context.Context, sessionID primitive.ObjectID) error

	InsertRecord(ctx context.Context, kind schema.DataKind, doc bson.M) (primitive.ObjectID, error)
	InsertRecordWithID(ctx context.Context, kind schema.DataKind, recordID primitive.ObjectID, doc bson.M) error
	UpdateRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID, fields bson.M) (int64, error)
	DeleteRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID) error
	FindRecordsForDownload(ctx context.Context, traceID string, kind schema.DataKind, userID, sessionID primitive.ObjectID, allData bool, limit int64) ([]bson.M, error)
	MarkRecordsDownloaded(ctx context.Context, kind schema.DataKind, recordIDs []primitive.ObjectID, sessionID primitive.ObjectID) error

	FindSensorBatches(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (common.StorageIterator, error)
	CountSensorSamples(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (int64, error)
	FindDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID, start, end *time.Time, skip, limit *int64) (common.StorageIterator, error)
	CountDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID) (int64, error)
	DistinctSensorTypes(ctx context.Context, traceID string, userID primitive.ObjectID) ([]string, error)
	SensorSampleRange(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string) (*int64, *int64, error)
	DayRecordRange(ctx context.Context, traceID string, userID primitive.ObjectID) (*int64, *int64, error)
	ListActiveUserIDs(ctx context.Context, traceID string) ([]primitive.ObjectID, error)

	LogDataRequest(ctx context.Context, entry bson.M) error
}

// Uploader pushes an export buffer to its storage backend.
type Uploader interface {
	Upload(ctx context.Context, filename string, buffer *bytes.Buffer) error
}

type DatabaseAdapter interface {
	Start() error
	Ping() error
	Close() error
}
