package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camsession/internal/session"
)

// mapSessionError maps session errors to HTTP errors.
func (s *Server) mapSessionError(err error) error {
	msg := err.Error()
	var serr *session.Error
	if errors.As(err, &serr) {
		msg = serr.Message
	}

	switch {
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, session.ErrFenceFailed):
		return huma.Error400BadRequest(msg, err)
	case errors.Is(err, session.ErrUnknownPipeline):
		return huma.Error404NotFound(msg, err)
	case errors.Is(err, session.ErrFlushing), errors.Is(err, session.ErrNotSynced):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, session.ErrDeviceError), errors.Is(err, session.ErrSessionClosed):
		return huma.Error503ServiceUnavailable(msg, err)
	case errors.Is(err, session.ErrFenceTimeout), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(msg, err)
	}
	s.logger.Error("Session operation failed", "error", err)
	return huma.Error500InternalServerError("internal server error", err)
}
