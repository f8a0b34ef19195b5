package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "zerodha-oms/internal/errors"
)

// Response is the envelope of every intake API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is the error part of a Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

// handle maps err onto a status code, or replies with data when err is nil.
func handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		success(c, data)
		return
	}
	status, e := classify(err)
	c.AbortWithStatusJSON(status, Response{Success: false, Error: e})
}

func classify(err error) (int, *Error) {
	switch {
	case apperrors.Is(err, apperrors.ErrRecordNotFound):
		return http.StatusNotFound, &Error{Code: ErrCodeNotFound, Message: "Resource not found"}
	case apperrors.Is(err, apperrors.ErrInvalidOrder), apperrors.Is(err, apperrors.ErrInvalidIntent):
		return http.StatusBadRequest, &Error{Code: ErrCodeValidationFailed, Message: err.Error()}
	case apperrors.Is(err, apperrors.ErrReadOnlyMode):
		return http.StatusForbidden, &Error{Code: ErrCodeForbidden, Message: err.Error()}
	default:
		return http.StatusInternalServerError, &Error{Code: ErrCodeInternalError, Message: "An unexpected error occurred"}
	}
}

// refuseIntent answers a submission that was not queued. Producers key on
// accepted, so intake replies skip the Response envelope.
func refuseIntent(c *gin.Context, err error) {
	status, e := classify(err)
	c.AbortWithStatusJSON(status, SubmitIntentResponse{Accepted: false, Error: e})
}

// success replies 201 to POST and 200 to everything else.
func success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}
	c.JSON(status, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   &Error{Code: code, Message: message},
	})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}
