package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"crisis-intervention/backend/internal/session"
	"crisis-intervention/backend/internal/specialist"
	apperrors "crisis-intervention/backend/pkg/errors"
)

// Error codes returned by the HTTP handlers
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeSpecialistNotFound = "SPECIALIST_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeAtCapacity         = "SPECIALIST_AT_CAPACITY"
)

// fail records err for the error middleware and stops the handler chain
func fail(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}

func invalidRequest(err error) *apperrors.AppError {
	return apperrors.Validation(CodeInvalidRequest, err.Error()).Wrap(err)
}

func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, specialist.ErrNotFound):
		return apperrors.NotFound(CodeSpecialistNotFound, "Specialist not found").Wrap(err)
	case errors.Is(err, specialist.ErrInvalid), errors.Is(err, session.ErrInvalid):
		return invalidRequest(err)
	case errors.Is(err, specialist.ErrAtCapacity):
		return apperrors.Capacity(CodeAtCapacity, "Specialist cannot take another chat").Wrap(err)
	case errors.Is(err, session.ErrNotFound):
		return apperrors.NotFound(CodeSessionNotFound, "Session not found").Wrap(err)
	}
	return apperrors.FromError(err)
}
