package schema

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Day records carry arbitrary domain fields, so they stay dynamic
// documents on this side too. The helpers below convert between the
// stored shape and the wire shape.

// RecordToWire strips the server-internal bookkeeping from a stored
// record and maps the storage identifier to the client-visible id
// string. The effective day is sent as an epoch second timestamp.
func RecordToWire(doc bson.M) map[string]interface{} {
	wire := make(map[string]interface{}, len(doc))
	for key, value := range doc {
		wire[key] = value
	}
	for _, key := range internalFields {
		delete(wire, key)
	}

	if id, ok := wire[FieldID].(primitive.ObjectID); ok {
		delete(wire, FieldID)
		wire["id"] = id.Hex()
	}

	if day, ok := asTime(wire[FieldEffectiveDay]); ok {
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		wire[FieldEffectiveDay] = midnight.Unix()
	}
	return wire
}

// RecordToExport is RecordToWire without the record identifier, the
// shape served to researchers where ids are meaningless.
func RecordToExport(doc bson.M) map[string]interface{} {
	wire := RecordToWire(doc)
	delete(wire, "id")
	return wire
}

func asTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time().UTC(), true
	case time.Time:
		return v.UTC(), true
	}
	return time.Time{}, false
}
