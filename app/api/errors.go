package api

import (
	"errors"
	"log/slog"
	"privaterag/types"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error as {code, error}, or {status, errors}
// for validation failures.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var valError ValidationError
	if errors.As(err, &valError) {
		return c.Status(valError.Status).JSON(valError)
	}

	apiError := toAPIError(err)
	if apiError.Code >= fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "code", apiError.Code, "error", apiError.Message)
	} else {
		slog.Debug("request rejected", "method", c.Method(), "path", c.Path(), "code", apiError.Code, "error", apiError.Message)
	}
	return c.Status(apiError.Code).JSON(apiError)
}

// toAPIError maps domain sentinels to HTTP status codes.
func toAPIError(err error) Error {
	var apiError Error
	if errors.As(err, &apiError) {
		return apiError
	}
	var fiberError *fiber.Error
	if errors.As(err, &fiberError) {
		return NewError(fiberError.Code, fiberError.Message)
	}

	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrUnsupportedFormat):
		code = fiber.StatusUnsupportedMediaType
	case errors.Is(err, types.ErrCollectionNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, types.ErrModelUnavailable):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, types.ErrGenerationTimeout):
		code = fiber.StatusGatewayTimeout
	case errors.Is(err, types.ErrUnknownProject), errors.Is(err, types.ErrInvalidCollection):
		code = fiber.StatusBadRequest
	case errors.Is(err, types.ErrDimensionMismatch):
		code = fiber.StatusConflict
	case errors.Is(err, types.ErrStagingIO):
		code = fiber.StatusInternalServerError
	}
	return NewError(code, err.Error())
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid request body",
	}
}

func ErrNoFiles() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "no files uploaded",
	}
}
