package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestDecodeRecordChange_Create(t *testing.T) {
	raw := map[string]interface{}{
		"effective_day": int64(1700000000),
		"mood":          "good",
	}
	change := DecodeRecordChange(raw)
	assert.Equal(t, OpCreate, change.Op)
	assert.False(t, change.Invalid)
	assert.Equal(t, "good", change.Fields["mood"])
	assert.Len(t, change.Fields, 2)
}

func TestDecodeRecordChange_Update(t *testing.T) {
	id := primitive.NewObjectID()
	raw := map[string]interface{}{
		"id":   id.Hex(),
		"mood": "bad",
	}
	change := DecodeRecordChange(raw)
	assert.Equal(t, OpUpdate, change.Op)
	assert.Equal(t, id, change.ID)
	assert.Equal(t, "bad", change.Fields["mood"])
	_, hasID := change.Fields["id"]
	assert.False(t, hasID, "id must not stay in the patch fields")
}

func TestDecodeRecordChange_Delete(t *testing.T) {
	id := primitive.NewObjectID()
	raw := map[string]interface{}{"id": id.Hex()}
	change := DecodeRecordChange(raw)
	assert.Equal(t, OpDelete, change.Op)
	assert.Equal(t, id, change.ID)
	assert.Nil(t, change.Fields)
}

func TestDecodeRecordChange_MalformedID(t *testing.T) {
	change := DecodeRecordChange(map[string]interface{}{"id": "not-an-object-id", "mood": "?"})
	assert.True(t, change.Invalid)

	change = DecodeRecordChange(map[string]interface{}{"id": 42})
	assert.True(t, change.Invalid)
}
