package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/milepost/internal/apperr"
)

var statusByCode = map[string]int{
	"validation_error": http.StatusUnprocessableEntity,
	"state_error":      http.StatusConflict,
	"conflict":         http.StatusConflict,
	"not_found":        http.StatusNotFound,
	"forbidden":        http.StatusForbidden,
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

func errorBody(code, message string) errorResponse {
	return errorResponse{
		RequestID: "req_" + uuid.NewString(),
		Error:     errorDetail{Code: code, Message: message},
	}
}

// writeError renders err with the status of its taxonomy code. Internal
// errors are not echoed to the caller.
func writeError(c *gin.Context, err error) {
	code := apperr.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, errorBody(code, "internal error"))
		return
	}
	c.JSON(status, errorBody(code, err.Error()))
}
