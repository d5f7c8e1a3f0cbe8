package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/vouch/internal/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an engine error kind to an HTTP status.
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound, model.KindNoBaseline:
		return http.StatusNotFound
	case model.KindUnknownRule, model.KindInvalidArgument, model.KindStructuralDSL, model.KindSessionClosed:
		return http.StatusBadRequest
	case model.KindEndpointUnreachable, model.KindInvalidMeasurement:
		return http.StatusBadGateway
	case model.KindPartialAssociation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeErrorDetails(c, err, nil)
}

func writeErrorDetails(c *gin.Context, err error, details map[string]any) {
	kind := model.KindOf(err)
	code := string(kind)
	if code == "" {
		code = "INTERNAL"
	}
	c.AbortWithStatusJSON(StatusFor(kind), ErrorResponse{Code: code, Message: err.Error(), Details: details})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
