package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeBadRequest          ErrorType = "BAD_REQUEST"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypeLimitExceeded       ErrorType = "LIMIT_EXCEEDED"
	ErrorTypeUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	ErrorTypePersistence         ErrorType = "PERSISTENCE_ERROR"
	ErrorTypeInternalServerError ErrorType = "INTERNAL_SERVER_ERROR"
)

// CustomError represents a custom error with associated HTTP status code and type
type CustomError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Internal   error
	// Details is rendered next to the message when set.
	Details gin.H
}

// Error implements the error interface
func (e *CustomError) Error() string {
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Internal
}

func newError(errType ErrorType, message string, statusCode int, internal error) *CustomError {
	return &CustomError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// New400Error creates a new bad request error
func New400Error(message string) *CustomError {
	return newError(ErrorTypeBadRequest, message, http.StatusBadRequest, nil)
}

// New404Error creates a new not found error
func New404Error(message string) *CustomError {
	return newError(ErrorTypeNotFound, message, http.StatusNotFound, nil)
}

// New429Error reports a usage ceiling. The message is shown to the user verbatim.
func New429Error(message string, internal error, details gin.H) *CustomError {
	e := newError(ErrorTypeLimitExceeded, message, http.StatusTooManyRequests, internal)
	e.Details = details
	return e
}

// New503Error reports a model or index call that failed after retries.
func New503Error(message string, internal error) *CustomError {
	return newError(ErrorTypeUpstreamUnavailable, message, http.StatusServiceUnavailable, internal)
}

// NewPersistenceError reports a store write the caller must know about.
func NewPersistenceError(message string, internal error, details gin.H) *CustomError {
	e := newError(ErrorTypePersistence, message, http.StatusInternalServerError, internal)
	e.Details = details
	return e
}

// New500Error creates a new internal server error
func New500Error(internal error) *CustomError {
	return newError(ErrorTypeInternalServerError, "An unexpected error occurred", http.StatusInternalServerError, internal)
}

// HandleError handles the custom error and sends an appropriate JSON response
func HandleError(c *gin.Context, err error) {
	customErr, ok := err.(*CustomError)
	if !ok {
		customErr = New500Error(err)
	}

	if customErr.StatusCode >= http.StatusInternalServerError {
		log.Error().
			Err(customErr.Internal).
			Str("type", string(customErr.Type)).
			Str("url", c.Request.URL.String()).
			Msg("Request failed")
	}

	body := gin.H{
		"type":    customErr.Type,
		"message": customErr.Message,
	}
	for k, v := range customErr.Details {
		body[k] = v
	}
	c.JSON(customErr.StatusCode, gin.H{"error": body})
}
