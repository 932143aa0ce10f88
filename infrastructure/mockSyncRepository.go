package infrastructure

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// MockSyncRepository is an in-memory SyncRepository for unit tests. It
// keeps the mongo repository's query semantics (insertion order, nil
// matching absent fields, coarse window narrowing) so the use cases
// behave the same against both.
type MockSyncRepository struct {
	Sessions map[primitive.ObjectID]*schema.SyncSession
	Docs     map[schema.DataKind][]bson.M
	Requests []bson.M

	// Errors forces the named methods to fail
	Errors map[string]error
}

func NewMockSyncRepository() *MockSyncRepository {
	return &MockSyncRepository{
		Sessions: map[primitive.ObjectID]*schema.SyncSession{},
		Docs: map[schema.DataKind][]bson.M{
			schema.KindSensorData: {},
			schema.KindDayRecord:  {},
		},
		Errors: map[string]error{},
	}
}

type mockIterator struct {
	numIter int
	docs    []bson.M
}

func (i *mockIterator) Next(ctx context.Context) bool {
	i.numIter++
	return i.numIter < len(i.docs)
}

func (i *mockIterator) Close(ctx context.Context) error {
	return nil
}

func (i *mockIterator) Decode(val interface{}) error {
	target, ok := val.(*bson.M)
	if !ok {
		return errors.New("mock iterator can only decode into *bson.M")
	}
	*target = i.docs[i.numIter]
	return nil
}

func (c *MockSyncRepository) forced(method string) error {
	return c.Errors[method]
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for key, value := range doc {
		out[key] = value
	}
	return out
}

func mockTimestamps(doc bson.M) []int64 {
	out := []int64{}
	switch raw := doc[schema.TimestampsColumn].(type) {
	case []int64:
		out = append(out, raw...)
	case []interface{}:
		for _, value := range raw {
			switch v := value.(type) {
			case int64:
				out = append(out, v)
			case int:
				out = append(out, int64(v))
			case float64:
				out = append(out, int64(v))
			}
		}
	case primitive.A:
		return mockTimestamps(bson.M{schema.TimestampsColumn: []interface{}(raw)})
	}
	return out
}

func (c *MockSyncRepository) CreateSession(ctx context.Context, userID primitive.ObjectID) (*schema.SyncSession, error) {
	if err := c.forced("CreateSession"); err != nil {
		return nil, err
	}
	for _, session := range c.Sessions {
		if session.UserID == userID && !session.IsFinished() {
			return nil, schema.ErrOpenSessionExists
		}
	}
	session := &schema.SyncSession{
		ID:        primitive.NewObjectID(),
		UserID:    userID,
		StartTime: time.Now().UTC(),
		Counters:  map[string]schema.SessionCounters{},
	}
	c.Sessions[session.ID] = session
	copied := *session
	return &copied, nil
}

func (c *MockSyncRepository) GetSession(ctx context.Context, traceID string, sessionID primitive.ObjectID) (*schema.SyncSession, error) {
	if err := c.forced("GetSession"); err != nil {
		return nil, err
	}
	session, present := c.Sessions[sessionID]
	if !present {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (c *MockSyncRepository) FindOpenSessions(ctx context.Context, userID primitive.ObjectID) ([]schema.SyncSession, error) {
	if err := c.forced("FindOpenSessions"); err != nil {
		return nil, err
	}
	open := []schema.SyncSession{}
	for _, session := range c.Sessions {
		if session.UserID == userID && !session.IsFinished() {
			open = append(open, *session)
		}
	}
	return open, nil
}

func (c *MockSyncRepository) RemoveOpenSessions(ctx context.Context, userID primitive.ObjectID) error {
	if err := c.forced("RemoveOpenSessions"); err != nil {
		return err
	}
	for id, session := range c.Sessions {
		if session.UserID == userID && !session.IsFinished() {
			delete(c.Sessions, id)
		}
	}
	return nil
}

func (c *MockSyncRepository) MarkSessionFinished(ctx context.Context, sessionID primitive.ObjectID, finishTime time.Time) error {
	if err := c.forced("MarkSessionFinished"); err != nil {
		return err
	}
	if session, present := c.Sessions[sessionID]; present {
		session.FinishTime = &finishTime
	}
	return nil
}

func (c *MockSyncRepository) IncrementSessionCounters(ctx context.Context, sessionID primitive.ObjectID, kind schema.DataKind, delta schema.SessionCounters) error {
	if err := c.forced("IncrementSessionCounters"); err != nil {
		return err
	}
	session, present := c.Sessions[sessionID]
	if !present {
		return nil
	}
	if session.Counters == nil {
		session.Counters = map[string]schema.SessionCounters{}
	}
	counters := session.Counters[string(kind)]
	counters.NumAdded += delta.NumAdded
	counters.NumModified += delta.NumModified
	counters.NumDeleted += delta.NumDeleted
	session.Counters[string(kind)] = counters
	return nil
}

func (c *MockSyncRepository) PromoteDownloadMarkers(ctx context.Context, sessionID primitive.ObjectID) error {
	if err := c.forced("PromoteDownloadMarkers"); err != nil {
		return err
	}
	for _, doc := range c.Docs[schema.KindDayRecord] {
		if doc[schema.FieldLastSyncIDDownload] == sessionID {
			doc[schema.FieldLastSyncID] = sessionID
			delete(doc, schema.FieldLastSyncIDDownload)
		}
	}
	return nil
}

func (c *MockSyncRepository) DiscardSessionData(ctx context.Context, sessionID primitive.ObjectID) error {
	if err := c.forced("DiscardSessionData"); err != nil {
		return err
	}
	for kind, docs := range c.Docs {
		kept := docs[:0]
		for _, doc := range docs {
			if doc[schema.FieldLastSyncID] == sessionID {
				continue
			}
			if doc[schema.FieldLastSyncIDDownload] == sessionID {
				delete(doc, schema.FieldLastSyncIDDownload)
			}
			kept = append(kept, doc)
		}
		c.Docs[kind] = kept
	}
	return nil
}

func (c *MockSyncRepository) InsertRecord(ctx context.Context, kind schema.DataKind, doc bson.M) (primitive.ObjectID, error) {
	if err := c.forced("InsertRecord"); err != nil {
		return primitive.NilObjectID, err
	}
	id := primitive.NewObjectID()
	stored := copyDoc(doc)
	stored[schema.FieldID] = id
	c.Docs[kind] = append(c.Docs[kind], stored)
	return id, nil
}

func (c *MockSyncRepository) InsertRecordWithID(ctx context.Context, kind schema.DataKind, recordID primitive.ObjectID, doc bson.M) error {
	if err := c.forced("InsertRecordWithID"); err != nil {
		return err
	}
	stored := copyDoc(doc)
	stored[schema.FieldID] = recordID
	c.Docs[kind] = append(c.Docs[kind], stored)
	return nil
}

func (c *MockSyncRepository) UpdateRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID, fields bson.M) (int64, error) {
	if err := c.forced("UpdateRecord"); err != nil {
		return 0, err
	}
	for _, doc := range c.Docs[kind] {
		if doc[schema.FieldID] == recordID && doc[schema.FieldUserID] == userID {
			for key, value := range fields {
				doc[key] = value
			}
			return 1, nil
		}
	}
	return 0, nil
}

func (c *MockSyncRepository) DeleteRecord(ctx context.Context, kind schema.DataKind, userID, recordID primitive.ObjectID) error {
	if err := c.forced("DeleteRecord"); err != nil {
		return err
	}
	docs := c.Docs[kind]
	for i, doc := range docs {
		if doc[schema.FieldID] == recordID && doc[schema.FieldUserID] == userID {
			c.Docs[kind] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *MockSyncRepository) FindRecordsForDownload(ctx context.Context, traceID string, kind schema.DataKind, userID, sessionID primitive.ObjectID, allData bool, limit int64) ([]bson.M, error) {
	if err := c.forced("FindRecordsForDownload"); err != nil {
		return nil, err
	}
	selected := []bson.M{}
	for _, doc := range c.Docs[kind] {
		if doc[schema.FieldUserID] != userID {
			continue
		}
		marker, present := doc[schema.FieldLastSyncID]
		if allData {
			if present && marker == sessionID {
				continue
			}
		} else {
			if present && marker != nil {
				continue
			}
		}
		if limit > 0 && int64(len(selected)) >= limit {
			break
		}
		selected = append(selected, copyDoc(doc))
	}
	return selected, nil
}

func (c *MockSyncRepository) MarkRecordsDownloaded(ctx context.Context, kind schema.DataKind, recordIDs []primitive.ObjectID, sessionID primitive.ObjectID) error {
	if err := c.forced("MarkRecordsDownloaded"); err != nil {
		return err
	}
	wanted := map[primitive.ObjectID]struct{}{}
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}
	for _, doc := range c.Docs[kind] {
		if id, ok := doc[schema.FieldID].(primitive.ObjectID); ok {
			if _, present := wanted[id]; present {
				doc[schema.FieldLastSyncIDDownload] = sessionID
			}
		}
	}
	return nil
}

func (c *MockSyncRepository) FindSensorBatches(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (common.StorageIterator, error) {
	if err := c.forced("FindSensorBatches"); err != nil {
		return nil, err
	}
	selected := []bson.M{}
	for _, doc := range c.Docs[schema.KindSensorData] {
		if doc[schema.FieldUserID] != userID || doc[schema.FieldType] != sensorType {
			continue
		}
		timestamps := mockTimestamps(doc)
		if window.TimestampFirst != nil || window.TimestampLast != nil {
			// coarse narrowing like the mongo array range query: some
			// element satisfies each bound
			matchFirst := window.TimestampFirst == nil
			matchLast := window.TimestampLast == nil
			for _, t := range timestamps {
				if window.TimestampFirst != nil && t >= *window.TimestampFirst {
					matchFirst = true
				}
				if window.TimestampLast != nil && t <= *window.TimestampLast {
					matchLast = true
				}
			}
			if !matchFirst || !matchLast {
				continue
			}
		}
		selected = append(selected, copyDoc(doc))
	}
	sort.Slice(selected, func(i, j int) bool {
		left, _ := selected[i][schema.FieldID].(primitive.ObjectID)
		right, _ := selected[j][schema.FieldID].(primitive.ObjectID)
		return left.Hex() < right.Hex()
	})
	return &mockIterator{numIter: -1, docs: selected}, nil
}

func (c *MockSyncRepository) CountSensorSamples(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, window schema.Window) (int64, error) {
	if err := c.forced("CountSensorSamples"); err != nil {
		return 0, err
	}
	var count int64
	for _, doc := range c.Docs[schema.KindSensorData] {
		if doc[schema.FieldUserID] != userID || doc[schema.FieldType] != sensorType {
			continue
		}
		for _, t := range mockTimestamps(doc) {
			if window.InRange(t) {
				count++
			}
		}
	}
	return count, nil
}

func (c *MockSyncRepository) FindDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID, start, end *time.Time, skip, limit *int64) (common.StorageIterator, error) {
	if err := c.forced("FindDayRecords"); err != nil {
		return nil, err
	}
	selected := []bson.M{}
	for _, doc := range c.Docs[schema.KindDayRecord] {
		if doc[schema.FieldUserID] != userID {
			continue
		}
		day, ok := doc[schema.FieldEffectiveDay].(time.Time)
		if ok {
			if start != nil && day.Before(*start) {
				continue
			}
			if end != nil && day.After(*end) {
				continue
			}
		}
		selected = append(selected, copyDoc(doc))
	}
	sort.Slice(selected, func(i, j int) bool {
		left, _ := selected[i][schema.FieldEffectiveDay].(time.Time)
		right, _ := selected[j][schema.FieldEffectiveDay].(time.Time)
		return left.Before(right)
	})
	if skip != nil && *skip > 0 {
		if *skip >= int64(len(selected)) {
			selected = []bson.M{}
		} else {
			selected = selected[*skip:]
		}
	}
	if limit != nil && *limit > 0 && int64(len(selected)) > *limit {
		selected = selected[:*limit]
	}
	return &mockIterator{numIter: -1, docs: selected}, nil
}

func (c *MockSyncRepository) CountDayRecords(ctx context.Context, traceID string, userID primitive.ObjectID) (int64, error) {
	if err := c.forced("CountDayRecords"); err != nil {
		return 0, err
	}
	var count int64
	for _, doc := range c.Docs[schema.KindDayRecord] {
		if doc[schema.FieldUserID] == userID {
			count++
		}
	}
	return count, nil
}

func (c *MockSyncRepository) DistinctSensorTypes(ctx context.Context, traceID string, userID primitive.ObjectID) ([]string, error) {
	if err := c.forced("DistinctSensorTypes"); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	types := []string{}
	for _, doc := range c.Docs[schema.KindSensorData] {
		if doc[schema.FieldUserID] != userID {
			continue
		}
		sensorType, ok := doc[schema.FieldType].(string)
		if !ok {
			continue
		}
		if _, present := seen[sensorType]; !present {
			seen[sensorType] = struct{}{}
			types = append(types, sensorType)
		}
	}
	return types, nil
}

func (c *MockSyncRepository) SensorSampleRange(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string) (*int64, *int64, error) {
	if err := c.forced("SensorSampleRange"); err != nil {
		return nil, nil, err
	}
	var first, last *int64
	for _, doc := range c.Docs[schema.KindSensorData] {
		if doc[schema.FieldUserID] != userID || doc[schema.FieldType] != sensorType {
			continue
		}
		for _, t := range mockTimestamps(doc) {
			t := t
			if first == nil || t < *first {
				first = &t
			}
			if last == nil || t > *last {
				last = &t
			}
		}
	}
	return first, last, nil
}

func (c *MockSyncRepository) DayRecordRange(ctx context.Context, traceID string, userID primitive.ObjectID) (*int64, *int64, error) {
	if err := c.forced("DayRecordRange"); err != nil {
		return nil, nil, err
	}
	var first, last *int64
	for _, doc := range c.Docs[schema.KindDayRecord] {
		if doc[schema.FieldUserID] != userID {
			continue
		}
		day, ok := doc[schema.FieldEffectiveDay].(time.Time)
		if !ok {
			continue
		}
		millis := day.UTC().UnixMilli()
		if first == nil || millis < *first {
			value := millis
			first = &value
		}
		if last == nil || millis > *last {
			value := millis
			last = &value
		}
	}
	return first, last, nil
}

func (c *MockSyncRepository) ListActiveUserIDs(ctx context.Context, traceID string) ([]primitive.ObjectID, error) {
	if err := c.forced("ListActiveUserIDs"); err != nil {
		return nil, err
	}
	seen := map[primitive.ObjectID]struct{}{}
	ids := []primitive.ObjectID{}
	for _, kind := range []schema.DataKind{schema.KindSensorData, schema.KindDayRecord} {
		for _, doc := range c.Docs[kind] {
			id, ok := doc[schema.FieldUserID].(primitive.ObjectID)
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

func (c *MockSyncRepository) LogDataRequest(ctx context.Context, entry bson.M) error {
	if err := c.forced("LogDataRequest"); err != nil {
		return err
	}
	if _, present := entry["time"]; !present {
		entry["time"] = time.Now().UTC()
	}
	c.Requests = append(c.Requests, entry)
	return nil
}
