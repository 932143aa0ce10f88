package usecase

import (
	"context"
	"log"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/infrastructure"
	"github.com/studykit/studysync/schema"
)

var testLogger = log.New(os.Stdout, "api-test", log.LstdFlags|log.Lshortfile)

func testContext() context.Context {
	return common.TimeItContext(context.Background())
}

func TestSyncManager_OpenSession(t *testing.T) {
	userID := primitive.NewObjectID()
	otherUserID := primitive.NewObjectID()

	t.Run("opens a fresh session", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)

		session, err := manager.OpenSession(testContext(), "trace1", userID)
		assert.Nil(t, err)
		assert.NotNil(t, session)
		assert.Equal(t, userID, session.UserID)
		assert.Nil(t, session.FinishTime)
		assert.False(t, session.ID.IsZero())
	})

	t.Run("discards an abandoned session and its data", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)
		ctx := testContext()

		abandoned, err := manager.OpenSession(ctx, "trace1", userID)
		assert.Nil(t, err)

		// partial upload plus a provisional download marker
		ids, err := manager.ApplyUpload(ctx, "trace1", userID, abandoned.ID.Hex(), schema.KindDayRecord,
			[]map[string]interface{}{{"effective_day": float64(1680307200), "steps": float64(1200)}})
		assert.Nil(t, err)
		assert.Len(t, ids, 1)
		repository.Docs[schema.KindDayRecord] = append(repository.Docs[schema.KindDayRecord], bson.M{
			schema.FieldID:                 primitive.NewObjectID(),
			schema.FieldUserID:             userID,
			schema.FieldLastSyncIDDownload: abandoned.ID,
		})

		session, err := manager.OpenSession(ctx, "trace2", userID)
		assert.Nil(t, err)
		assert.NotEqual(t, abandoned.ID, session.ID)

		stored, getErr := repository.GetSession(ctx, "trace2", abandoned.ID)
		assert.NoError(t, getErr)
		assert.Nil(t, stored, "abandoned session document should be removed")

		assert.Len(t, repository.Docs[schema.KindDayRecord], 1, "uploaded record of the abandoned session should be discarded")
		remaining := repository.Docs[schema.KindDayRecord][0]
		_, hasMarker := remaining[schema.FieldLastSyncIDDownload]
		assert.False(t, hasMarker, "provisional download marker should be cleared")
	})

	t.Run("keeps other users data intact", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)
		ctx := testContext()

		otherSession, err := manager.OpenSession(ctx, "trace1", otherUserID)
		assert.Nil(t, err)
		_, err = manager.ApplyUpload(ctx, "trace1", otherUserID, otherSession.ID.Hex(), schema.KindDayRecord,
			[]map[string]interface{}{{"effective_day": float64(1680307200)}})
		assert.Nil(t, err)

		_, err = manager.OpenSession(ctx, "trace2", userID)
		assert.Nil(t, err)
		assert.Len(t, repository.Docs[schema.KindDayRecord], 1)
	})

	t.Run("maps a concurrent open to a conflict", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		repository.Errors["CreateSession"] = schema.ErrOpenSessionExists
		manager := NewSyncManager(testLogger, repository, nil)

		session, err := manager.OpenSession(testContext(), "trace1", userID)
		assert.Nil(t, session)
		assert.NotNil(t, err)
		assert.Equal(t, http.StatusConflict, err.Status)
		assert.Equal(t, "sync_conflict", err.Code)
	})
}

func TestSyncManager_FinishSession(t *testing.T) {
	userID := primitive.NewObjectID()

	t.Run("finishes and promotes download markers", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)
		ctx := testContext()

		session, err := manager.OpenSession(ctx, "trace1", userID)
		assert.Nil(t, err)

		recordID := primitive.NewObjectID()
		repository.Docs[schema.KindDayRecord] = append(repository.Docs[schema.KindDayRecord], bson.M{
			schema.FieldID:                 recordID,
			schema.FieldUserID:             userID,
			schema.FieldLastSyncIDDownload: session.ID,
		})

		finished, err := manager.FinishSession(ctx, "trace1", userID, session.ID.Hex())
		assert.Nil(t, err)
		assert.NotNil(t, finished.FinishTime)

		doc := repository.Docs[schema.KindDayRecord][0]
		assert.Equal(t, session.ID, doc[schema.FieldLastSyncID])
		_, hasMarker := doc[schema.FieldLastSyncIDDownload]
		assert.False(t, hasMarker)
	})

	t.Run("rejects a second finish", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)
		ctx := testContext()

		session, err := manager.OpenSession(ctx, "trace1", userID)
		assert.Nil(t, err)
		_, err = manager.FinishSession(ctx, "trace1", userID, session.ID.Hex())
		assert.Nil(t, err)

		_, err = manager.FinishSession(ctx, "trace1", userID, session.ID.Hex())
		assert.NotNil(t, err)
		assert.Equal(t, http.StatusConflict, err.Status)
		assert.Equal(t, "sync_finished", err.Code)
	})

	t.Run("rejects a malformed session id", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)

		_, err := manager.FinishSession(testContext(), "trace1", userID, "not-an-id")
		assert.NotNil(t, err)
		assert.Equal(t, http.StatusNotFound, err.Status)
	})

	t.Run("rejects an unknown session id", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)

		_, err := manager.FinishSession(testContext(), "trace1", userID, primitive.NewObjectID().Hex())
		assert.NotNil(t, err)
		assert.Equal(t, http.StatusNotFound, err.Status)
	})

	t.Run("rejects another users session", func(t *testing.T) {
		repository := infrastructure.NewMockSyncRepository()
		manager := NewSyncManager(testLogger, repository, nil)
		ctx := testContext()

		session, err := manager.OpenSession(ctx, "trace1", userID)
		assert.Nil(t, err)

		_, err = manager.FinishSession(ctx, "trace1", primitive.NewObjectID(), session.ID.Hex())
		assert.NotNil(t, err)
		assert.Equal(t, http.StatusForbidden, err.Status)
		assert.Equal(t, "sync_forbidden", err.Code)
	})
}
