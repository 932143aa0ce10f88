package usecase

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

var uploadBatchTimer = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:      "upload_batch_time",
	Help:      "A histogram for upload batch reconciliation time (ms)",
	Buckets:   prometheus.LinearBuckets(20, 20, 300),
	Subsystem: "studysync",
	Namespace: "studykit",
})

// ApplyUpload reconciles one uploaded batch against the store. Each
// entry is classified by shape (create, update, delete) and applied in
// order; the returned slice holds one element per entry, the storage id
// for creates and updates, nil for deletes and for entries whose id
// could not be parsed. All writes are stamped with the session id so an
// abandoned session can be rolled back.
func (m *SyncManager) ApplyUpload(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string, kind schema.DataKind, records []map[string]interface{}) ([]*string, *common.DetailedError) {
	start := time.Now()
	defer func() {
		uploadBatchTimer.Observe(float64(time.Since(start).Milliseconds()))
	}()

	session, detailedErr := m.validateSession(ctx, traceID, userID, sessionID)
	if detailedErr != nil {
		return nil, detailedErr
	}
	if !kind.Uploadable() {
		return nil, detailed(errorInvalidKind, "ApplyUpload", userID.Hex(), traceID, "datatype "+string(kind)+" is not uploadable")
	}

	// classify the whole batch before touching the store, so a
	// malformed batch is rejected without partial effects
	changes := make([]schema.RecordChange, 0, len(records))
	for _, raw := range records {
		changes = append(changes, schema.DecodeRecordChange(raw))
	}

	var delta schema.SessionCounters
	identifiers := make([]*string, 0, len(changes))

	for _, change := range changes {
		switch {
		case change.Invalid:
			m.logger.Printf("skipping upload entry with malformed id user=[%s] traceID=[%s]", userID.Hex(), traceID)
			identifiers = append(identifiers, nil)

		case change.Op == schema.OpCreate:
			doc := normalizeFields(kind, change.Fields)
			doc[schema.FieldUserID] = userID
			doc[schema.FieldLastSyncID] = session.ID
			id, err := m.repository.InsertRecord(ctx, kind, doc)
			if err != nil {
				return nil, detailed(errorRunningQuery, "ApplyUpload", userID.Hex(), traceID, err.Error())
			}
			hex := id.Hex()
			identifiers = append(identifiers, &hex)
			delta.NumAdded++

		case change.Op == schema.OpUpdate:
			fields := normalizeFields(kind, change.Fields)
			fields[schema.FieldLastSyncID] = session.ID
			matched, err := m.repository.UpdateRecord(ctx, kind, userID, change.ID, fields)
			if err != nil {
				return nil, detailed(errorRunningQuery, "ApplyUpload", userID.Hex(), traceID, err.Error())
			}
			if matched == 0 {
				// the record was never received or was purged, keep the
				// client's id so its local references stay valid
				fields[schema.FieldUserID] = userID
				if err = m.repository.InsertRecordWithID(ctx, kind, change.ID, fields); err != nil {
					return nil, detailed(errorRunningQuery, "ApplyUpload", userID.Hex(), traceID, err.Error())
				}
			}
			hex := change.ID.Hex()
			identifiers = append(identifiers, &hex)
			delta.NumModified++

		case change.Op == schema.OpDelete:
			if err := m.repository.DeleteRecord(ctx, kind, userID, change.ID); err != nil {
				return nil, detailed(errorRunningQuery, "ApplyUpload", userID.Hex(), traceID, err.Error())
			}
			identifiers = append(identifiers, nil)
			delta.NumDeleted++
		}
	}

	if delta.NumAdded > 0 || delta.NumModified > 0 || delta.NumDeleted > 0 {
		if err := m.repository.IncrementSessionCounters(ctx, session.ID, kind, delta); err != nil {
			return nil, detailed(errorRunningQuery, "ApplyUpload", userID.Hex(), traceID, err.Error())
		}
	}
	return identifiers, nil
}

// normalizeFields converts the JSON shapes of an uploaded record to
// their stored shapes: the effective day becomes a date at UTC
// midnight, sensor timestamps become an integer array.
func normalizeFields(kind schema.DataKind, fields map[string]interface{}) bson.M {
	doc := make(bson.M, len(fields)+2)
	for key, value := range fields {
		doc[key] = value
	}

	if kind == schema.KindDayRecord {
		if seconds, ok := asInt64(doc[schema.FieldEffectiveDay]); ok {
			day := time.Unix(seconds, 0).UTC()
			doc[schema.FieldEffectiveDay] = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		}
	}

	if kind == schema.KindSensorData {
		if raw, ok := doc[schema.TimestampsColumn].([]interface{}); ok {
			timestamps := make([]int64, 0, len(raw))
			for _, value := range raw {
				t, ok := asInt64(value)
				if !ok {
					return doc
				}
				timestamps = append(timestamps, t)
			}
			doc[schema.TimestampsColumn] = timestamps
		}
	}
	return doc
}

func asInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
