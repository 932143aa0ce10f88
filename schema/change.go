package schema

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// ChangeOp is the operation carried by one uploaded record
	ChangeOp int

	// RecordChange is the decoded form of one record of an upload
	// batch. The mobile protocol is shape-based: no id means create,
	// an id with other fields means update, an id alone means delete.
	// Decoding happens once at the boundary so the reconciler can
	// dispatch on an explicit tag instead of field presence.
	RecordChange struct {
		Op     ChangeOp
		ID     primitive.ObjectID
		Fields map[string]interface{}
		// Invalid marks an entry whose identifier could not be parsed.
		// The entry is skipped and reported as null, the rest of the
		// batch is still applied.
		Invalid bool
	}
)

const (
	OpCreate ChangeOp = iota
	OpUpdate
	OpDelete
)

// DecodeRecordChange classifies one raw uploaded record
func DecodeRecordChange(raw map[string]interface{}) RecordChange {
	rawID, hasID := raw["id"]

	if !hasID {
		fields := make(map[string]interface{}, len(raw))
		for key, value := range raw {
			fields[key] = value
		}
		return RecordChange{Op: OpCreate, Fields: fields}
	}

	idString, ok := rawID.(string)
	if !ok {
		return RecordChange{Invalid: true}
	}
	id, err := primitive.ObjectIDFromHex(idString)
	if err != nil {
		return RecordChange{Invalid: true}
	}

	fields := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if key == "id" {
			continue
		}
		fields[key] = value
	}

	if len(fields) == 0 {
		return RecordChange{Op: OpDelete, ID: id}
	}
	return RecordChange{Op: OpUpdate, ID: id, Fields: fields}
}
