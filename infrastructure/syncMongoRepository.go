package infrastructure

import (
	"context"
	"log"
	"time"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	sessionCollectionName    = "syncs"
	sensorDataCollectionName = "sensor_data"
	dayRecordCollectionName  = "user_data"
	requestLogCollectionName = "requests"

	idxUniqueOpenSession = "UniqueOpenSessionPerUser"
)

// Per-user queries have to stay proportional to that user's data
// volume: without the user_id and last_sync_id indexes the discard
// step of session open times out on realistic sensor volumes.
var studySyncIndexes = map[string][]mongo.IndexModel{
	sessionCollectionName: {
		{
			Keys: bson.D{{Key: schema.FieldUserID, Value: 1}},
			Options: options.Index().
				SetName(idxUniqueOpenSession).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"finish_time": bson.M{"$type": "null"}}),
		},
	},
	sensorDataCollectionName: {
		{Keys: bson.D{{Key: schema.FieldUserID, Value: 1}, {Key: schema.FieldType, Value: 1}}},
		{Keys: bson.D{{Key: schema.FieldLastSyncID, Value: 1}}},
	},
	dayRecordCollectionName: {
		{Keys: bson.D{{Key: schema.FieldUserID, Value: 1}, {Key: schema.FieldEffectiveDay, Value: 1}}},
		{Keys: bson.D{{Key: schema.FieldLastSyncID, Value: 1}}},
		{Keys: bson.D{{Key: schema.FieldLastSyncIDDownload, Value: 1}}},
	},
	requestLogCollectionName: {
		{Keys: bson.D{{Key: "time", Value: 1}}},
	},
}

// SyncMongoRepository is the mongo record store behind the sync and
// extraction usecases
type SyncMongoRepository struct {
	*MongoAdapter
	logger *log.Logger
}

// NewSyncMongoRepository creates the mongo backed record store
func NewSyncMongoRepository(adapter *MongoAdapter, logger *log.Logger) *SyncMongoRepository {
	return &SyncMongoRepository{
		MongoAdapter: adapter,
		logger:       logger,
	}
}

// Start connects the adapter and creates the collection indexes
func (r *SyncMongoRepository) Start() error {
	if err := r.MongoAdapter.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	for collection, indexes := range studySyncIndexes {
		if _, err := r.Collection(collection).Indexes().CreateMany(ctx, indexes); err != nil {
			return err
		}
	}
	return nil
}

func collectionForKind(kind schema.DataKind) string {
	if kind == schema.KindSensorData {
		return sensorDataCollectionName
	}
	return dayRecordCollectionName
}

func (r *SyncMongoRepository) sessions() *mongo.Collection {
	return r.Collection(sessionCollectionName)
}

func (r *SyncMongoRepository) records(kind schema.DataKind) *mongo.Collection {
	return r.Collection(collectionForKind(kind))
}

// CreateSession inserts a new open session for the user. The unique
// partial index on open sessions turns a concurrent open into a
// duplicate key error, surfaced as schema.ErrOpenSessionExists so the
// losing caller is rejected instead of ending up with two open
// sessions.
func (r *SyncMongoRepository) CreateSession(ctx context.Context, userID primitive.ObjectID) (*schema.SyncSession, error) {
	session := &schema.SyncSession{
		UserID:     userID,
		StartTime:  time.Now().UTC(),
		FinishTime: nil,
	}
	res, err := r.sessions().InsertOne(ctx, session)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, schema.ErrOpenSessionExists
		}
		return nil, err
	}
	session.ID = res.InsertedID.(primitive.ObjectID)
	return session, nil
}

// GetSession returns the session by id, nil when unknown
func (r *SyncMongoRepository) GetSession(ctx context.Context, traceID string, sessionID primitive.ObjectID) (*schema.SyncSession, error) {
	opts := options.FindOne().SetComment(traceID)
	var session schema.SyncSession
	err := r.sessions().FindOne(ctx, bson.M{schema.FieldID: sessionID}, opts).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// FindOpenSessions lists the user's sessions with a null finish time
func (r *SyncMongoRepository) FindOpenSessions(ctx context.Context, userID primitive.ObjectID) ([]schema.SyncSession, error) {
	cursor, err := r.sessions().Find(ctx, openSessionFilter(userID))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var sessions []schema.SyncSession
	err = cursor.All(ctx, &sessions)
	return sessions, err
}

// RemoveOpenSessions deletes the user's open session documents
func (r *SyncMongoRepository) RemoveOpenSessions(ctx context.Context, userID primitive.ObjectID) error {
	_, err := r.sessions().DeleteMany(ctx, openSessionFilter(userID))
	return err
}

func openSessionFilter(userID primitive.ObjectID) bson.M {
	return bson.M{schema.FieldUserID: userID, "finish_time": nil}
}

// MarkSessionFinished stamps the finish time on the session
func (r *SyncMongoRepository) MarkSessionFinished(ctx context.Context, sessionID primitive.ObjectID, finishTime time.Time) error {
	_, err := r.sessions().UpdateOne(ctx,
		bson.M{schema.FieldID: sessionID},
		bson.M{"$set": bson.M{"finish_time": finishTime}})
	return err
}

// IncrementSessionCounters adds the batch deltas to the per-kind
// session counters with a single atomic $inc, so concurrent uploads
// against the same session stay additive.
func (r *SyncMongoRepository) IncrementSessionCounters(ctx context.Context, sessionID primitive.ObjectID, kind schema.DataKind, delta schema.SessionCounters) error {
	prefix := "counters." + string(kind) + "."
	_, err := r.sessions().UpdateOne(ctx,
		bson.M{schema.FieldID: sessionID},
		bson.M{"$inc": bson.M{
			prefix + "num_added":    delta.NumAdded,
			prefix + "num_modified": delta.NumModified,
			prefix + "num_deleted":  delta.NumDeleted,
		}})
	return err
}

// PromoteDownloadMarkers turns the provisional download markers of a
// finishing session into permanent delivered markers
func (r *SyncMongoRepository) PromoteDownloadMarkers(ctx context.Context, sessionID primitive.ObjectID) error {
	filter := bson.M{schema.FieldLastSyncIDDownload: sessionID}
	rename := bson.M{"$rename": bson.M{schema.FieldLastSyncIDDownload: schema.FieldLastSyncID}}
	_, err := r.records(schema.KindDayRecord).UpdateMany(ctx, filter, rename)
	return err
}

// DiscardSessionData removes everything an abandoned session left
// behind: records created or updated under it are deleted, records it
// had only downloaded are re-marked undelivered.
func (r *SyncMongoRepository) DiscardSessionData(ctx context.Context, sessionID primitive.ObjectID) error {
	uploadedFilter := bson.M{schema.FieldLastSyncID: sessionID}
	if _, err := r.records(schema.KindSensorData).DeleteMany(ctx, uploadedFilter); err != nil {
		return err
	}
	if _, err := r.records(schema.KindDayRecord).DeleteMany(ctx, uploadedFilter); err != nil {
		return err
	}
	unset := bson.M{"$unset": bson.M{schema.FieldLastSyncIDDownload: 1}}
	_, err := r.records(schema.KindDayRecord).UpdateMany(ctx,
		bson.M{schema.FieldLastSyncIDDownload: sessionID}, unset)
	return err
}

// InsertRecord inserts a stamped record and returns the assigned id
func (r *SyncMongoRepository) InsertRecord(ctx context.Context, kind schema.DataKind, doc bson.M) (primitive.ObjectID, error) {
	res, err := r.records(kind).InsertOne(ctx, doc)
	if err != nil {
		return primitive.NilObjectID, err
	}
	return res.InsertedID.(primitive.ObjectID), nil
}

// InsertRecordWithID inserts a record under a client-supplied id,
// used by the update-miss fallback of the reconciler
func (r *SyncMongoRepository) InsertRecordWithID(ctx context.Context, kind schema.DataKind, recordID primitive.ObjectID, doc bson.M) error {
	withID := bson.M{schema.FieldID: recordID}
	for key, value := range doc {
		withID[key] = value
	}
	_, err := r.records(kind).InsertOne(ctx, withID)
	return err
}

// UpdateRecord applies a partial patch to a record scoped to its
// owner, returning the number of matched documents
func (r *SyncMongoRepository) UpdateRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID, fields bson.M) (int64, error) {
	res, err := r.records(kind).UpdateOne(ctx,
		bson.M{schema.FieldID: recordID, schema.FieldUserID: userID},
		bson.M{"$set": fields})
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

// DeleteRecord deletes a record scoped to its owner
func (r *SyncMongoRepository) DeleteRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID) error {
	_, err := r.records(kind).DeleteOne(ctx,
		bson.M{schema.FieldID: recordID, schema.FieldUserID: userID})
	return err
}

// FindRecordsForDownload selects the user's records a download call
// should send. Incremental mode takes records never delivered in any
// session, all-data mode takes everything not already sent under this
// very session.
func (r *SyncMongoRepository) FindRecordsForDownload(ctx context.Context, traceID string, kind schema.DataKind, userID, sessionID primitive.ObjectID, allData bool, limit int64) ([]bson.M, error) {
	filter := bson.M{schema.FieldUserID: userID}
	if allData {
		filter[schema.FieldLastSyncID] = bson.M{"$ne": sessionID}
	} else {
		filter[schema.FieldLastSyncID] = nil
	}

	opts := options.Find().SetComment(traceID)
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.records(kind).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []bson.M
	err = cursor.All(ctx, &docs)
	return docs, err
}

// MarkRecordsDownloaded tags the sent records with the provisional
// download marker of the session
func (r *SyncMongoRepository) MarkRecordsDownloaded(ctx context.Context, kind schema.DataKind, recordIDs []primitive.ObjectID, sessionID primitive.ObjectID) error {
	if len(recordIDs) == 0 {
		return nil
	}
	_, err := r.records(kind).UpdateMany(ctx,
		bson.M{schema.FieldID: bson.M{"$in": recordIDs}},
		bson.M{"$set": bson.M{schema.FieldLastSyncIDDownload: sessionID}})
	return err
}

// FindSensorBatches returns an iterator over the user's capture
// batches of one sensor type. The timestamp clauses are a coarse
// server-side narrowing only: a matching batch may still hold samples
// outside the window, the extractor refilters per sample.
func (r *SyncMongoRepository) FindSensorBatches(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (common.StorageIterator, error) {
	query := bson.M{
		schema.FieldUserID: userID,
		schema.FieldType:   sensorType,
	}
	timeQuery := bson.M{}
	if window.TimestampFirst != nil {
		timeQuery["$gte"] = *window.TimestampFirst
	}
	if window.TimestampLast != nil {
		timeQuery["$lte"] = *window.TimestampLast
	}
	if len(timeQuery) > 0 {
		query[schema.TimestampsColumn] = timeQuery
	}

	// _id order is insertion order, which keeps the global sequence
	// stable across paged requests
	opts := options.Find().
		SetSort(bson.D{{Key: schema.FieldID, Value: 1}}).
		SetComment(traceID)
	return r.records(schema.KindSensorData).Find(ctx, query, opts)
}

// CountSensorSamples counts the user's in-range samples of one sensor
// type with an aggregation instead of a full extraction
func (r *SyncMongoRepository) CountSensorSamples(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (int64, error) {
	match := bson.M{"$match": bson.M{
		schema.FieldUserID: userID,
		schema.FieldType:   sensorType,
	}}

	sized := bson.M{"$size": "$" + schema.TimestampsColumn}
	if window.TimestampFirst != nil || window.TimestampLast != nil {
		conditions := bson.A{}
		if window.TimestampFirst != nil {
			conditions = append(conditions, bson.M{"$gte": bson.A{"$$t", *window.TimestampFirst}})
		}
		if window.TimestampLast != nil {
			conditions = append(conditions, bson.M{"$lte": bson.A{"$$t", *window.TimestampLast}})
		}
		sized = bson.M{"$size": bson.M{"$filter": bson.M{
			"input": "$" + schema.TimestampsColumn,
			"as":    "t",
			"cond":  bson.M{"$and": conditions},
		}}}
	}

	pipeline := []bson.M{
		match,
		{"$group": bson.M{"_id": nil, "totalSize": bson.M{"$sum": sized}}},
	}
	opts := options.Aggregate().SetComment(traceID)
	cursor, err := r.records(schema.KindSensorData).Aggregate(ctx, pipeline, opts)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result struct {
		TotalSize int64 `bson:"totalSize"`
	}
	if !cursor.Next(ctx) {
		return 0, nil
	}
	if err := cursor.Decode(&result); err != nil {
		return 0, err
	}
	return result.TotalSize, nil
}

// FindDayRecords returns an iterator over the user's day records
// within the normalized day bounds, with storage-side skip and limit
func (r *SyncMongoRepository) FindDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID, start, end *time.Time, skip, limit *int64) (common.StorageIterator, error) {
	query := bson.M{schema.FieldUserID: userID}
	dayQuery := bson.M{}
	if start != nil {
		dayQuery["$gte"] = *start
	}
	if end != nil {
		dayQuery["$lte"] = *end
	}
	if len(dayQuery) > 0 {
		query[schema.FieldEffectiveDay] = dayQuery
	}

	opts := options.Find().
		SetSort(bson.D{{Key: schema.FieldEffectiveDay, Value: 1}}).
		SetComment(traceID)
	if skip != nil && *skip > 0 {
		opts.SetSkip(*skip)
	}
	if limit != nil && *limit > 0 {
		opts.SetLimit(*limit)
	}
	return r.records(schema.KindDayRecord).Find(ctx, query, opts)
}

// CountDayRecords counts the user's day records
func (r *SyncMongoRepository) CountDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID) (int64, error) {
	opts := options.Count().SetComment(traceID)
	return r.records(schema.KindDayRecord).CountDocuments(ctx, bson.M{schema.FieldUserID: userID}, opts)
}

// DistinctSensorTypes lists the sensor types stored for the user
func (r *SyncMongoRepository) DistinctSensorTypes(ctx context.Context, traceID string, userID primitive.ObjectID) ([]string, error) {
	values, err := r.records(schema.KindSensorData).Distinct(ctx, schema.FieldType, bson.M{schema.FieldUserID: userID})
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			types = append(types, s)
		}
	}
	return types, nil
}

// SensorSampleRange returns the first and last sample timestamp of
// one sensor type for the user, nil bounds when there is no data
func (r *SyncMongoRepository) SensorSampleRange(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string) (*int64, *int64, error) {
	query := bson.M{schema.FieldUserID: userID, schema.FieldType: sensorType}

	var batch struct {
		Timestamps []int64 `bson:"timestamps"`
	}

	opts := options.FindOne().SetComment(traceID)
	opts.SetSort(bson.D{{Key: schema.TimestampsColumn, Value: 1}})
	err := r.records(schema.KindSensorData).FindOne(ctx, query, opts).Decode(&batch)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	first := minInt64(batch.Timestamps)

	opts.SetSort(bson.D{{Key: schema.TimestampsColumn, Value: -1}})
	err = r.records(schema.KindSensorData).FindOne(ctx, query, opts).Decode(&batch)
	if err != nil {
		return nil, nil, err
	}
	last := maxInt64(batch.Timestamps)

	return first, last, nil
}

// DayRecordRange returns the first and last effective day of the
// user's day records as millisecond timestamps
func (r *SyncMongoRepository) DayRecordRange(ctx context.Context, traceID string, userID primitive.ObjectID) (*int64, *int64, error) {
	query := bson.M{schema.FieldUserID: userID}

	var record struct {
		EffectiveDay time.Time `bson:"effective_day"`
	}

	opts := options.FindOne().SetComment(traceID)
	opts.SetSort(bson.D{{Key: schema.FieldEffectiveDay, Value: 1}})
	err := r.records(schema.KindDayRecord).FindOne(ctx, query, opts).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	first := record.EffectiveDay.UTC().UnixMilli()

	opts.SetSort(bson.D{{Key: schema.FieldEffectiveDay, Value: -1}})
	err = r.records(schema.KindDayRecord).FindOne(ctx, query, opts).Decode(&record)
	if err != nil {
		return nil, nil, err
	}
	last := record.EffectiveDay.UTC().UnixMilli()

	return &first, &last, nil
}

// ListActiveUserIDs returns every user id holding data in either
// collection, used by the stats snapshot regeneration
func (r *SyncMongoRepository) ListActiveUserIDs(ctx context.Context, traceID string) ([]primitive.ObjectID, error) {
	seen := map[primitive.ObjectID]struct{}{}
	ids := []primitive.ObjectID{}
	for _, kind := range []schema.DataKind{schema.KindSensorData, schema.KindDayRecord} {
		values, err := r.records(kind).Distinct(ctx, schema.FieldUserID, bson.M{})
		if err != nil {
			return nil, err
		}
		for _, value := range values {
			id, ok := value.(primitive.ObjectID)
			if !ok {
				continue
			}
			if _, present := seen[id]; !present {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// LogDataRequest records an extraction or stats request for the
// privacy audit trail
func (r *SyncMongoRepository) LogDataRequest(ctx context.Context, entry bson.M) error {
	if _, present := entry["time"]; !present {
		entry["time"] = time.Now().UTC()
	}
	_, err := r.Collection(requestLogCollectionName).InsertOne(ctx, entry)
	return err
}

func minInt64(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return &m
}

func maxInt64(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return &m
}
