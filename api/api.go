package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/studykit/studysync/auth"
	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/usecase"
)

type (
	// API struct for studysync
	API struct {
		syncManager     SyncUseCase
		extractor       ExtractionUseCase
		statsCache      StatsSnapshotUseCase
		exporter        ExporterUseCase
		auditLogger     AuditLogger
		databaseAdapter usecase.DatabaseAdapter
		authClient      auth.ClientInterface
		logger          *log.Logger
	}

	apiStatus struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
)

const (
	// DataAPIPrefix logging prefix
	DataAPIPrefix = "api/sync "
)

// ReleaseNumber is set through ldflags at build time
var ReleaseNumber = "0.0.0"

var (
	errorStatusCheck      = common.DetailedError{Status: http.StatusInternalServerError, Code: "data_status_check", Message: "checking of the status endpoint showed an error"}
	errorNoViewPermission = common.DetailedError{Status: http.StatusForbidden, Code: "data_cant_view", Message: "user is not authorized to view data"}
	errorInvalidUserID    = common.DetailedError{Status: http.StatusBadRequest, Code: "invalid_userid", Message: "invalid user id"}
	errorInvalidPayload   = common.DetailedError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "the request payload could not be decoded"}
	errorInvalidDatatype  = common.DetailedError{Status: http.StatusBadRequest, Code: "invalid_datatype", Message: "unknown data type"}
	errorStatsNotReady    = common.DetailedError{Status: http.StatusServiceUnavailable, Code: "stats_not_ready", Message: "the stats snapshot is not generated yet"}
	errorLoadingEvents    = common.DetailedError{Status: http.StatusInternalServerError, Code: "json_marshal_error", Message: "internal server error"}
)

func InitAPI(syncManager SyncUseCase, extractor ExtractionUseCase, statsCache StatsSnapshotUseCase, exporter ExporterUseCase, auditLogger AuditLogger, dbAdapter usecase.DatabaseAdapter, authClient auth.ClientInterface, logger *log.Logger) *API {
	return &API{
		syncManager:     syncManager,
		extractor:       extractor,
		statsCache:      statsCache,
		exporter:        exporter,
		auditLogger:     auditLogger,
		databaseAdapter: dbAdapter,
		authClient:      authClient,
		logger:          logger,
	}
}

// SetHandlers set the API routes
func (a *API) SetHandlers(prefix string, rtr *mux.Router) {

	a.setHandlers(prefix+"/v1", rtr)

	rtr.HandleFunc("/export/{userID}", a.middleware(a.exportData, true, "userID")).Methods(http.MethodGet)

	rtr.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)
}

func (a *API) setHandlers(prefix string, rtr *mux.Router) {
	rtr.HandleFunc(prefix+"/sync", a.middleware(a.openSync, true)).Methods(http.MethodPost)
	rtr.HandleFunc(prefix+"/sync/{syncID}/finish", a.middleware(a.finishSync, true, "syncID")).Methods(http.MethodPost)
	rtr.HandleFunc(prefix+"/sync/{syncID}/{dataType}", a.middleware(a.uploadSync, true, "syncID", "dataType")).Methods(http.MethodPost)
	rtr.HandleFunc(prefix+"/sync/{syncID}/{dataType}", a.middleware(a.downloadSync, true, "syncID", "dataType")).Methods(http.MethodGet)

	rtr.HandleFunc(prefix+"/data/request", a.middleware(a.postDataRequest, true)).Methods(http.MethodPost)
	rtr.HandleFunc(prefix+"/data/stats/{userID}", a.middleware(a.getUserStats, true, "userID")).Methods(http.MethodGet)
	rtr.HandleFunc(prefix+"/data/stats", a.middleware(a.getStudyStats, true)).Methods(http.MethodGet)

	rtr.HandleFunc(prefix+"/{.*}", a.middleware(a.getNotFound, false)).Methods(http.MethodGet)
}

// getNotFound should it be version free?
func (a *API) getNotFound(ctx context.Context, res *common.HttpResponseWriter) error {
	res.WriteHeader(http.StatusNotFound)
	return nil
}

// @Summary Get the api status
// @Description Get the api status
// @ID studysync-api-getstatus
// @Produce json
// @Success 200 {object} api.apiStatus
// @Failure 500 {object} api.apiStatus
// @Router /status [get]
func (a *API) getStatus(res http.ResponseWriter, req *http.Request) {
	start := time.Now()
	s := apiStatus{Status: "OK", Version: ReleaseNumber}
	code := http.StatusOK
	if err := a.databaseAdapter.Ping(); err != nil {
		errorLog := errorStatusCheck.SetInternalMessage(err)
		a.logError(&errorLog, start)
		s.Status = err.Error()
		code = errorLog.Status
	}
	if jsonDetails, err := json.Marshal(s); err != nil {
		a.jsonError(res, errorLoadingEvents.SetInternalMessage(err), start)
	} else {
		res.Header().Add("content-type", "application/json")
		res.WriteHeader(code)
		res.Write(jsonDetails)
	}
}

// log error detail and write as application/json
func (a *API) jsonError(res http.ResponseWriter, err common.DetailedError, startedAt time.Time) {
	a.logError(&err, startedAt)
	jsonErr, _ := json.Marshal(err)

	res.Header().Add("content-type", "application/json")
	res.WriteHeader(err.Status)
	res.Write(jsonErr)
}

func (a *API) logError(err *common.DetailedError, startedAt time.Time) {
	err.ID = uuid.New().String()
	a.logger.Println(DataAPIPrefix, fmt.Sprintf("[%s][%s] failed after [%.3f]secs with error [%s][%s] ", err.ID, err.Code, time.Since(startedAt).Seconds(), err.Message, err.InternalMessage))
}

// isAuthorized resolves the request principal and decides whether it
// may act on the target users. A server principal may do anything, a
// user may act on itself, a supervisor may read any participant.
func (a *API) isAuthorized(req *http.Request, targetUserIDs []string) (*auth.TokenData, bool) {
	td := a.authClient.Authenticate(req)
	if td == nil {
		a.logger.Printf("%s - %s %s HTTP/%d.%d - Missing header token", req.RemoteAddr, req.Method, req.URL.String(), req.ProtoMajor, req.ProtoMinor)
		return nil, false
	}
	if td.IsServer {
		return td, true
	}
	if len(targetUserIDs) == 1 && td.UserID == targetUserIDs[0] {
		return td, true
	}
	if len(targetUserIDs) == 0 {
		// routes without a target user act on the principal itself,
		// role checks happen in the handler
		return td, true
	}
	if td.IsSupervisor() {
		return td, true
	}
	return td, false
}
