package api

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// @Summary Export study data to an S3 file.
// @Description Export the user's complete study data to a file stored on S3.
// This operation is asynchronous and always returning 200.
// @ID studysync-export
// @Produce json
// @Success 200
// @Failure 400 {object} common.DetailedError
// @Failure 403 {object} common.DetailedError
// @Param userID path string true "The ID of the user to export data for"
// @Param timestamp_first query integer false "Millisecond timestamp for search lower limit"
// @Param timestamp_last query integer false "Millisecond timestamp for search upper limit"
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /export/{userID} [get]
func (a *API) exportData(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, err := primitive.ObjectIDFromHex(res.VARS["userID"])
	if err != nil {
		e := errorInvalidUserID.SetInternalMessage(err)
		return res.WriteError(&e)
	}

	window := schema.Window{}
	query := res.URL.Query()
	if raw := query.Get("timestamp_first"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			e := errorInvalidPayload
			e.InternalMessage = "timestamp_first is not an integer"
			return res.WriteError(&e)
		}
		window.TimestampFirst = &value
	}
	if raw := query.Get("timestamp_last"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			e := errorInvalidPayload
			e.InternalMessage = "timestamp_last is not an integer"
			return res.WriteError(&e)
		}
		window.TimestampLast = &value
	}

	//TODO verify if there is not an already existing export ongoing
	// if export is already ongoing just skip everything and return
	// if nothing is ongoing run a new export as go func
	go a.exporter.Export(userID, res.TraceID, window)
	return nil
}
