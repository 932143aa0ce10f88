package api

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
	"github.com/studykit/studysync/usecase"
)

type SyncUseCase interface {
	OpenSession(ctx context.Context, traceID string, userID primitive.ObjectID) (*schema.SyncSession, *common.DetailedError)
	FinishSession(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string) (*schema.SyncSession, *common.DetailedError)
	ApplyUpload(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string, kind schema.DataKind, records []map[string]interface{}) ([]*string, *common.DetailedError)
	Download(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string, kind schema.DataKind, allData bool, limit int64) ([]map[string]interface{}, *common.DetailedError)
}

type ExtractionUseCase interface {
	SensorData(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (*schema.SensorFrame, *common.DetailedError)
	CountSensorData(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (int64, *common.DetailedError)
	DayRecords(ctx context.Context, traceID string, userID primitive.ObjectID, window schema.Window) ([]map[string]interface{}, *common.DetailedError)
	SensorTypes(ctx context.Context, traceID string, userID primitive.ObjectID) ([]string, *common.DetailedError)
	UserStats(ctx context.Context, traceID string, userID primitive.ObjectID) ([]usecase.DataStats, *common.DetailedError)
}

type StatsSnapshotUseCase interface {
	Snapshot() *usecase.StatsSnapshot
}

type ExporterUseCase interface {
	Export(userID primitive.ObjectID, traceID string, window schema.Window)
}

type AuditLogger interface {
	LogDataRequest(ctx context.Context, entry bson.M) error
}
