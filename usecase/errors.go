package usecase

import (
	"fmt"
	"net/http"

	"github.com/studykit/studysync/common"
)

var (
	errorRunningQuery    = common.DetailedError{Status: http.StatusInternalServerError, Code: "data_store_error", Message: "internal server error"}
	errorSessionNotFound = common.DetailedError{Status: http.StatusNotFound, Code: "sync_not_found", Message: "invalid sync session id"}
	errorSessionFinished = common.DetailedError{Status: http.StatusConflict, Code: "sync_finished", Message: "the sync session is already finished"}
	errorSessionOwner    = common.DetailedError{Status: http.StatusForbidden, Code: "sync_forbidden", Message: "the sync session belongs to another user"}
	errorOpenConflict    = common.DetailedError{Status: http.StatusConflict, Code: "sync_conflict", Message: "a concurrent sync session was opened for this user"}
	errorInvalidKind     = common.DetailedError{Status: http.StatusBadRequest, Code: "invalid_datatype", Message: "invalid data type for this operation"}
)

func addContextToMessage(methodName string, userID string, traceID string, message string) string {
	return fmt.Sprintf("%s failed: user=[%s], traceID=[%s] : %v", methodName, userID, traceID, message)
}

func detailed(base common.DetailedError, methodName string, userID string, traceID string, message string) *common.DetailedError {
	return &common.DetailedError{
		Status:          base.Status,
		Code:            base.Code,
		Message:         base.Message,
		InternalMessage: addContextToMessage(methodName, userID, traceID, message),
	}
}
