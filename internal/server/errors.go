package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/registry"
)

const (
	errMessageMissingRegistry = "session registry is required"
	errorResponseKey          = "error"
	logMessageRequestFailed   = "session request failed"
	logFieldStatus            = "status"
	logFieldPath              = "path"
)

var errMissingRegistry = errors.New(errMessageMissingRegistry)

// statusForError maps an error kind to the HTTP status reported to clients.
func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, login.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, login.ErrLoginTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, login.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, login.ErrProtocol), errors.Is(err, login.ErrDecryption):
		return http.StatusBadGateway
	case errors.Is(err, login.ErrNetwork), errors.Is(err, registry.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (handler sessionHandler) respondError(ginContext *gin.Context, err error) {
	status := statusForError(err)
	fields := []zap.Field{zap.Int(logFieldStatus, status), zap.String(logFieldPath, ginContext.FullPath()), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessageRequestFailed, fields...)
	} else {
		handler.logger.Debug(logMessageRequestFailed, fields...)
	}
	ginContext.JSON(status, map[string]string{errorResponseKey: err.Error()})
}
