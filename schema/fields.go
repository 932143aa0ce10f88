package schema

// Bookkeeping field names shared by the data collections.
//
// last_sync_id marks a record as delivered in a finished session,
// last_sync_id_download is the provisional marker set while a
// not-yet-finished session is downloading.
const (
	FieldID                 = "_id"
	FieldUserID             = "user_id"
	FieldType               = "type"
	FieldEffectiveDay       = "effective_day"
	FieldLastSyncID         = "last_sync_id"
	FieldLastSyncIDDownload = "last_sync_id_download"
)

// internalFields are stripped from any record before transmission
var internalFields = []string{FieldUserID, FieldLastSyncID, FieldLastSyncIDDownload}
