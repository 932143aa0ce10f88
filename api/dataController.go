package api

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
	"github.com/studykit/studysync/usecase"
)

type (
	// StringList accepts both a JSON string and a JSON array of
	// strings, the request format allows scalars where a single value
	// is meant
	StringList []string

	// StudyDataRequest is the payload of the extraction endpoint
	StudyDataRequest struct {
		UserID           StringList `json:"user_id"`
		DataType         StringList `json:"data_type"`
		SensorDataType   StringList `json:"sensor_data_type"`
		TimestampFirst   *int64     `json:"timestamp_first"`
		TimestampLast    *int64     `json:"timestamp_last"`
		Skip             *int64     `json:"skip"`
		Limit            *int64     `json:"limit"`
		FilterDuplicates bool       `json:"filter_duplicates"`
		CountOnly        bool       `json:"count_only"`
	}

	// StudyData is one extracted series of the response
	StudyData struct {
		DataType       schema.DataKind `json:"data_type"`
		SensorDataType *string         `json:"sensor_data_type"`
		Count          int64           `json:"count"`
		Data           interface{}     `json:"data,omitempty"`
	}
)

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = StringList(many)
	return nil
}

func (r StudyDataRequest) window() schema.Window {
	return schema.Window{
		TimestampFirst:   r.TimestampFirst,
		TimestampLast:    r.TimestampLast,
		Skip:             r.Skip,
		Limit:            r.Limit,
		FilterDuplicates: r.FilterDuplicates,
	}
}

// @Summary Request collected study data
// @Description Extract windowed study data for one or more participants. Supervisors and servers only. With count_only the series are counted without materializing the data.
// @ID studysync-api-datarequest
// @Accept json
// @Produce json
// @Success 200 {object} map[string][]api.StudyData
// @Failure 400 {object} common.DetailedError
// @Failure 403 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/data/request [post]
func (a *API) postDataRequest(ctx context.Context, res *common.HttpResponseWriter) error {
	td := principalFromContext(ctx)
	if td == nil || !td.IsSupervisor() {
		return res.WriteError(&errorNoViewPermission)
	}

	var request StudyDataRequest
	if err := json.NewDecoder(res.Body).Decode(&request); err != nil {
		e := errorInvalidPayload.SetInternalMessage(err)
		return res.WriteError(&e)
	}

	userIDs := make([]primitive.ObjectID, 0, len(request.UserID))
	for _, rawID := range request.UserID {
		userID, err := primitive.ObjectIDFromHex(rawID)
		if err != nil {
			e := errorInvalidUserID.SetInternalMessage(err)
			return res.WriteError(&e)
		}
		userIDs = append(userIDs, userID)
	}

	kinds := make([]schema.DataKind, 0, len(request.DataType))
	for _, rawKind := range request.DataType {
		kind, ok := schema.ParseDataKind(rawKind)
		if !ok {
			e := errorInvalidDatatype
			e.InternalMessage = "unknown data type " + rawKind
			return res.WriteError(&e)
		}
		kinds = append(kinds, kind)
	}

	if err := a.auditLogger.LogDataRequest(ctx, bson.M{
		"requested_by": td.UserID,
		"user_ids":     request.UserID,
		"data_types":   request.DataType,
		"sensor_types": request.SensorDataType,
		"count_only":   request.CountOnly,
		"trace_id":     res.TraceID,
	}); err != nil {
		a.logger.Printf("audit log write failed traceID=[%s]: %v", res.TraceID, err)
	}

	window := request.window()
	result := map[string][]StudyData{}
	for _, userID := range userIDs {
		series, detailedErr := a.extractUserSeries(ctx, res.TraceID, userID, kinds, request, window)
		if detailedErr != nil {
			return res.WriteError(detailedErr)
		}
		result[userID.Hex()] = series
	}
	return res.WriteJSON(result)
}

func (a *API) extractUserSeries(ctx context.Context, traceID string, userID primitive.ObjectID, kinds []schema.DataKind, request StudyDataRequest, window schema.Window) ([]StudyData, *common.DetailedError) {
	series := []StudyData{}
	for _, kind := range kinds {
		switch kind {
		case schema.KindDayRecord:
			records, detailedErr := a.extractor.DayRecords(ctx, traceID, userID, window)
			if detailedErr != nil {
				return nil, detailedErr
			}
			entry := StudyData{DataType: kind, Count: int64(len(records))}
			if !request.CountOnly {
				entry.Data = records
			}
			series = append(series, entry)

		case schema.KindSensorData:
			sensorTypes := []string(request.SensorDataType)
			if len(sensorTypes) == 0 {
				var detailedErr *common.DetailedError
				sensorTypes, detailedErr = a.extractor.SensorTypes(ctx, traceID, userID)
				if detailedErr != nil {
					return nil, detailedErr
				}
			}
			for _, sensorType := range sensorTypes {
				entry, detailedErr := a.extractSensorSeries(ctx, traceID, userID, sensorType, request, window)
				if detailedErr != nil {
					return nil, detailedErr
				}
				if entry != nil {
					series = append(series, *entry)
				}
			}
		}
	}
	return series, nil
}

func (a *API) extractSensorSeries(ctx context.Context, traceID string, userID primitive.ObjectID, sensorType string, request StudyDataRequest, window schema.Window) (*StudyData, *common.DetailedError) {
	sensorTypeCopy := sensorType

	if request.CountOnly {
		// counting goes through the aggregation path, the samples are
		// never pulled out of the store
		count, detailedErr := a.extractor.CountSensorData(ctx, traceID, userID, sensorType, window)
		if detailedErr != nil {
			return nil, detailedErr
		}
		if count == 0 {
			return nil, nil
		}
		return &StudyData{DataType: schema.KindSensorData, SensorDataType: &sensorTypeCopy, Count: count}, nil
	}

	frame, detailedErr := a.extractor.SensorData(ctx, traceID, userID, sensorType, window)
	if detailedErr != nil {
		return nil, detailedErr
	}
	if frame.Len() == 0 {
		// either the sensor type is unknown or the window is empty
		return nil, nil
	}
	return &StudyData{
		DataType:       schema.KindSensorData,
		SensorDataType: &sensorTypeCopy,
		Count:          int64(frame.Len()),
		Data:           frame.ToWire(),
	}, nil
}

// @Summary Get data stats for one user
// @Description Summarize which data is stored for the user: entry counts and covered time range per series.
// @ID studysync-api-userstats
// @Produce json
// @Success 200 {object} map[string][]usecase.DataStats
// @Failure 400 {object} common.DetailedError
// @Failure 403 {object} common.DetailedError
// @Failure 500 {object} common.DetailedError
// @Param userID path string true "The ID of the user to summarize data for"
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/data/stats/{userID} [get]
func (a *API) getUserStats(ctx context.Context, res *common.HttpResponseWriter) error {
	userID, err := primitive.ObjectIDFromHex(res.VARS["userID"])
	if err != nil {
		e := errorInvalidUserID.SetInternalMessage(err)
		return res.WriteError(&e)
	}

	td := principalFromContext(ctx)
	if err := a.auditLogger.LogDataRequest(ctx, bson.M{
		"requested_by": td.UserID,
		"user_ids":     []string{userID.Hex()},
		"stats_only":   true,
		"trace_id":     res.TraceID,
	}); err != nil {
		a.logger.Printf("audit log write failed traceID=[%s]: %v", res.TraceID, err)
	}

	stats, detailedErr := a.extractor.UserStats(ctx, res.TraceID, userID)
	if detailedErr != nil {
		return res.WriteError(detailedErr)
	}
	return res.WriteJSON(map[string][]usecase.DataStats{userID.Hex(): stats})
}

// @Summary Get study-wide data stats
// @Description Serve the latest study-wide stats snapshot. The snapshot is rebuilt in the background after each finished sync session.
// @ID studysync-api-studystats
// @Produce json
// @Success 200 {object} usecase.StatsSnapshot
// @Failure 403 {object} common.DetailedError
// @Failure 503 {object} common.DetailedError
// @Param x-studykit-trace-session header string false "Trace session uuid" format(uuid)
// @Security Auth0
// @Router /v1/data/stats [get]
func (a *API) getStudyStats(ctx context.Context, res *common.HttpResponseWriter) error {
	td := principalFromContext(ctx)
	if td == nil || !td.IsSupervisor() {
		return res.WriteError(&errorNoViewPermission)
	}

	if err := a.auditLogger.LogDataRequest(ctx, bson.M{
		"requested_by": td.UserID,
		"stats_only":   true,
		"trace_id":     res.TraceID,
	}); err != nil {
		a.logger.Printf("audit log write failed traceID=[%s]: %v", res.TraceID, err)
	}

	snapshot := a.statsCache.Snapshot()
	if snapshot == nil {
		return res.WriteError(&errorStatsNotReady)
	}
	return res.WriteJSON(snapshot)
}
