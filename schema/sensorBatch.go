package schema

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TimestampsColumn is the mandatory column of every capture batch
const TimestampsColumn = "timestamps"

type (
	// SensorBatch is one stored capture batch: a contiguous run of
	// time-stamped samples of one sensor type held as parallel arrays.
	// All columns share the length of Timestamps, validated once when
	// the stored document is decoded.
	SensorBatch struct {
		ID         primitive.ObjectID
		UserID     primitive.ObjectID
		Type       string
		Timestamps []int64
		Columns    map[string][]interface{}
	}

	// SensorFrame is the columnar payload of an extraction result:
	// the filtered, concatenated window over one or more batches.
	SensorFrame struct {
		Timestamps []int64
		Columns    map[string][]interface{}
	}
)

// DecodeSensorBatch validates a raw stored document and builds the
// columnar batch. A document without a timestamps array, or with any
// parallel array of mismatched length, is rejected: the caller logs it
// as an integrity warning and moves on to the next batch.
func DecodeSensorBatch(doc bson.M) (*SensorBatch, error) {
	batch := &SensorBatch{
		Columns: map[string][]interface{}{},
	}

	if id, ok := doc[FieldID].(primitive.ObjectID); ok {
		batch.ID = id
	}
	if userID, ok := doc[FieldUserID].(primitive.ObjectID); ok {
		batch.UserID = userID
	}
	if sensorType, ok := doc[FieldType].(string); ok {
		batch.Type = sensorType
	}

	rawTimestamps, ok := asArray(doc[TimestampsColumn])
	if !ok {
		return nil, fmt.Errorf("batch %s has no timestamps array", batch.ID.Hex())
	}
	batch.Timestamps = make([]int64, 0, len(rawTimestamps))
	for _, value := range rawTimestamps {
		t, err := toInt64(value)
		if err != nil {
			return nil, fmt.Errorf("batch %s timestamps: %v", batch.ID.Hex(), err)
		}
		batch.Timestamps = append(batch.Timestamps, t)
	}

	for key, value := range doc {
		if key == TimestampsColumn {
			continue
		}
		array, isArray := asArray(value)
		if !isArray {
			// scalar attributes (type, user_id, sync markers) are not columns
			continue
		}
		if len(array) != len(batch.Timestamps) {
			return nil, fmt.Errorf("batch %s column %q has length %d, want %d",
				batch.ID.Hex(), key, len(array), len(batch.Timestamps))
		}
		batch.Columns[key] = array
	}

	return batch, nil
}

// asArray normalizes the array shapes seen at this boundary: bson
// round trips deliver primitive.A, freshly decoded JSON uploads and
// in-memory test stores deliver native slices.
func asArray(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case primitive.A:
		return []interface{}(v), true
	case []interface{}:
		return v, true
	case []int64:
		array := make([]interface{}, len(v))
		for i, e := range v {
			array[i] = e
		}
		return array, true
	}
	return nil, false
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("value %v is not a timestamp", value)
}

// Len returns the number of samples in the batch
func (b *SensorBatch) Len() int {
	return len(b.Timestamps)
}

// FilterWindow copies into a new frame every sample whose timestamp
// lies inside the window and, when seen is non-nil, whose timestamp
// was not already emitted by an earlier batch of the same request.
func (b *SensorBatch) FilterWindow(w Window, seen map[int64]struct{}) *SensorFrame {
	frame := NewSensorFrame()
	for key := range b.Columns {
		frame.Columns[key] = []interface{}{}
	}

	for i, t := range b.Timestamps {
		if !w.InRange(t) {
			continue
		}
		if seen != nil {
			if _, duplicate := seen[t]; duplicate {
				continue
			}
		}
		frame.Timestamps = append(frame.Timestamps, t)
		for key, column := range b.Columns {
			frame.Columns[key] = append(frame.Columns[key], column[i])
		}
	}
	return frame
}

// NewSensorFrame returns an empty frame, the shape of an empty result
func NewSensorFrame() *SensorFrame {
	return &SensorFrame{
		Timestamps: []int64{},
		Columns:    map[string][]interface{}{},
	}
}

func (f *SensorFrame) Len() int {
	return len(f.Timestamps)
}

// Extend appends the other frame's parallel arrays to this one,
// column by column. Columns absent on either side are ignored.
func (f *SensorFrame) Extend(other *SensorFrame) {
	f.Timestamps = append(f.Timestamps, other.Timestamps...)
	for key, column := range other.Columns {
		if _, present := f.Columns[key]; !present {
			continue
		}
		f.Columns[key] = append(f.Columns[key], column...)
	}
}

// TruncateHead drops the n leading samples of every column
func (f *SensorFrame) TruncateHead(n int) {
	if n <= 0 {
		return
	}
	if n > len(f.Timestamps) {
		n = len(f.Timestamps)
	}
	f.Timestamps = f.Timestamps[n:]
	for key, column := range f.Columns {
		f.Columns[key] = column[n:]
	}
}

// TruncateTail drops the n trailing samples of every column
func (f *SensorFrame) TruncateTail(n int) {
	if n <= 0 {
		return
	}
	if n > len(f.Timestamps) {
		n = len(f.Timestamps)
	}
	keep := len(f.Timestamps) - n
	f.Timestamps = f.Timestamps[:keep]
	for key, column := range f.Columns {
		f.Columns[key] = column[:keep]
	}
}

// ToWire flattens the frame to the client document shape: one array
// per field, timestamps included
func (f *SensorFrame) ToWire() map[string]interface{} {
	wire := make(map[string]interface{}, len(f.Columns)+1)
	wire[TimestampsColumn] = f.Timestamps
	for key, column := range f.Columns {
		wire[key] = column
	}
	return wire
}
