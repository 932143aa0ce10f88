package schema

// DataKind identifies one of the client-facing dataset kinds.
//
// The wire values are kept verbatim from the mobile protocol.
type DataKind string

const (
	// KindSensorData raw sensor time series, stored as capture batches
	KindSensorData DataKind = "SensorData"
	// KindDayRecord user-entered daily data, one document per effective day
	KindDayRecord DataKind = "UserData"
)

// ParseDataKind maps a wire value to a DataKind
func ParseDataKind(value string) (DataKind, bool) {
	switch DataKind(value) {
	case KindSensorData:
		return KindSensorData, true
	case KindDayRecord:
		return KindDayRecord, true
	}
	return "", false
}

// Uploadable reports whether a client may push this kind through the sync endpoint
func (k DataKind) Uploadable() bool {
	return k == KindSensorData || k == KindDayRecord
}

// Downloadable reports whether a client may pull this kind through the sync endpoint.
// Sensor data is upload-only: the device is the single producer and never reads it back.
func (k DataKind) Downloadable() bool {
	return k == KindDayRecord
}
