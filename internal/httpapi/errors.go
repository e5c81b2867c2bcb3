package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/j0lvera/loreweaver/internal/story"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      story.Kind `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

var statusByKind = map[story.Kind]int{
	story.KindValidation:        http.StatusBadRequest,
	story.KindNotFound:          http.StatusNotFound,
	story.KindInsufficientFunds: http.StatusPaymentRequired,
	story.KindProvider:          http.StatusServiceUnavailable,
	story.KindGenerationFormat:  http.StatusBadGateway,
	story.KindPermission:        http.StatusForbidden,
	story.KindBusy:              http.StatusConflict,
	story.KindClosed:            http.StatusConflict,
	story.KindInternal:          http.StatusInternalServerError,
}

func handleServiceError(c *gin.Context, err error) {
	f := story.Classify(err)
	status, ok := statusByKind[f.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	_ = c.Error(err)
	if f.Retryable && status >= http.StatusInternalServerError {
		c.Header("Retry-After", "5")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: f.Kind, Message: f.Message, Retryable: f.Retryable})
}
