package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/service"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

// serviceError maps a service error onto the response envelope.
func serviceError(c *fiber.Ctx, err error) error {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		var details interface{}
		if len(verr.Fields) > 0 {
			details = verr.Fields
		}
		return response.ValidationError(c, verr.Reason, details)
	case errors.Is(err, service.ErrInvalid):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrConflict):
		return response.Conflict(c, err.Error())
	case errors.Is(err, job.ErrBusy):
		return response.Busy(c)
	default:
		return response.ServiceError(c, err.Error())
	}
}
