package api

import (
	"context"
	"encoding/json"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/auth"
	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// principalObjectID resolves the storage id of the authenticated user.
// Sync routes always act on the principal's own data and only
// participants have data to sync: server and supervisor tokens are
// rejected.
func principalObjectID(ctx context.Context) (primitive.ObjectID, *common.DetailedError) {
	td := principalFromContext(ctx)
	if td == nil || td.UserID == "" || td.Role != auth.RoleParticipant {
		return primitive.NilObjectID, &errorNoViewPermission
	}
	userID, err := primitive.ObjectIDFromHex(td.UserID)
	if err != nil {
		e := errorInvalidUserID.SetInternalMessage(err)
		return primitive.NilObjectID, &e
	}
	return userID, nil
}

// @Summary Open a sync session
// @Description Open a new synchronization session for the authenticated user. Any unfinished previous session is discarded with its uploaded data.
// @ID studysync-api-opensync
// @Produce json
// @Success 200 {object} schema.SyncSession
// @Failure 403 {object} common.DetailedError
// @Failure 409 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/sync [post]
func (a *API) openSync(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, detailedErr := principalObjectID(ctx)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	session, detailedErr := a.syncManager.OpenSession(ctx, res.TraceID, userID)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	return res.WriteJSON(session)
}

// @Summary Finish a sync session
// @Description Close the session and promote its provisional download markers. The response carries the per-datatype counters of the whole session.
// @ID studysync-api-finishsync
// @Produce json
// @Success 200 {object} schema.SyncSession
// @Failure 403 {object} common.DetailedError
// @Failure 404 {object} common.DetailedError
// @Failure 409 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param syncID path string true "The session id returned by the open call"
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/sync/{syncID}/finish [post]
func (a *API) finishSync(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, detailedErr := principalObjectID(ctx)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	session, detailedErr := a.syncManager.FinishSession(ctx, res.TraceID, userID, res.VARS["syncID"])
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	return res.WriteJSON(session)
}

// @Summary Upload a batch of records
// @Description Apply one uploaded batch. Records without an id are created, records with an id and fields are updated, records with an id alone are deleted. The response is one identifier per entry, null for deletions and undecodable entries.
// @ID studysync-api-uploadsync
// @Accept json
// @Produce json
// @Success 200 {array} string "Array of record ids, null entries included"
// @Failure 400 {object} common.DetailedError
// @Failure 403 {object} common.DetailedError
// @Failure 404 {object} common.DetailedError
// @Failure 409 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param syncID path string true "The session id returned by the open call"
// @Param dataType path string true "SensorData or UserData"
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/sync/{syncID}/{dataType} [post]
func (a *API) uploadSync(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, detailedErr := principalObjectID(ctx)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	kind, ok := schema.ParseDataKind(res.VARS["dataType"])
	if !ok {
		e := errorInvalidDatatype
		e.InternalMessage = "unknown data type " + res.VARS["dataType"]
		return res.WriteError(&e)
	}

	var records []map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&records); err != nil {
		e := errorInvalidPayload.SetInternalMessage(err)
		return res.WriteError(&e)
	}

	identifiers, detailedErr := a.syncManager.ApplyUpload(ctx, res.TraceID, userID, res.VARS["syncID"], kind, records)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	return res.WriteJSON(identifiers)
}

// @Summary Download server-side records
// @Description Return the records the device has not stored yet. With all=true every record of the user not sent during this session is returned, which lets a reinstalled app rebuild its store.
// @ID studysync-api-downloadsync
// @Produce json
// @Success 200 {array} object "Array of records"
// @Failure 400 {object} common.DetailedError
// @Failure 403 {object} common.DetailedError
// @Failure 404 {object} common.DetailedError
// @Failure 409 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param syncID path string true "The session id returned by the open call"
// @Param dataType path string true "UserData, sensor data is not downloadable"
// @Param all query string false "true to get the full record set" format(boolean)
// @Param limit query integer false "Maximum number of records for this call"
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/sync/{syncID}/{dataType} [get]
func (a *API) downloadSync(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, detailedErr := principalObjectID(ctx)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	kind, ok := schema.ParseDataKind(res.VARS["dataType"])
	if !ok {
		e := errorInvalidDatatype
		e.InternalMessage = "unknown data type " + res.VARS["dataType"]
		return res.WriteError(&e)
	}

	query := res.URL.Query()
	allData := query.Get("all") == "true"
	var limit int64
	if rawLimit := query.Get("limit"); rawLimit != "" {
		var err error
		limit, err = strconv.ParseInt(rawLimit, 10, 64)
		if err != nil || limit < 0 {
			e := errorInvalidPayload
			e.InternalMessage = "limit is not a positive integer"
			return res.WriteError(&e)
		}
	}

	records, detailedErr := a.syncManager.Download(ctx, res.TraceID, userID, res.VARS["syncID"], kind, allData, limit)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	return res.WriteJSON(records)
}
