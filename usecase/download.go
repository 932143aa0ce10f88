package usecase

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// Download returns the next slice of server-side records the client has
// not stored yet. In incremental mode only records never delivered to
// any finished session are sent; with allData every record not already
// sent during this session is sent, which lets a device rebuild its
// local store from scratch. Every returned record is provisionally
// marked with the session id, the mark becomes permanent when the
// session finishes.
func (m *SyncManager) Download(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string, kind schema.DataKind, allData bool, limit int64) ([]map[string]interface{}, *common.DetailedError) {
	session, detailedErr := m.validateSession(ctx, traceID, userID, sessionID)
	if detailedErr != nil {
		return nil, detailedErr
	}
	if !kind.Downloadable() {
		return nil, detailed(errorInvalidKind, "Download", userID.Hex(), traceID, "datatype "+string(kind)+" is not downloadable")
	}

	docs, err := m.repository.FindRecordsForDownload(ctx, traceID, kind, userID, session.ID, allData, limit)
	if err != nil {
		return nil, detailed(errorRunningQuery, "Download", userID.Hex(), traceID, err.Error())
	}

	records := make([]map[string]interface{}, 0, len(docs))
	sent := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc[schema.FieldID].(primitive.ObjectID); ok {
			sent = append(sent, id)
		}
		records = append(records, schema.RecordToWire(doc))
	}

	if len(sent) > 0 {
		if err = m.repository.MarkRecordsDownloaded(ctx, kind, sent, session.ID); err != nil {
			return nil, detailed(errorRunningQuery, "Download", userID.Hex(), traceID, err.Error())
		}
	}
	return records, nil
}
