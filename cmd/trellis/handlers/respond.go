// Package handlers implements the HTTP surface over the engine and the
// worker manager.
package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trellishq/trellis/common/middleware"
	"github.com/trellishq/trellis/common/models"
)

// errorBody is the uniform error response shape
type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// respondError maps domain errors to their HTTP status: validation 400,
// not-found 404, lifecycle refusals 409, everything else 500
func respondError(c echo.Context, err error) error {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, errorBody{
			Error:   string(models.CodeValidationFailed),
			Message: ve.Error(),
			Details: ve.Errors,
		})
	}

	switch models.CodeOf(err) {
	case models.CodeNotFound:
		return c.JSON(http.StatusNotFound, errorBody{
			Error: string(models.CodeNotFound), Message: err.Error(),
		})
	case models.CodeInvalidState:
		return c.JSON(http.StatusConflict, errorBody{
			Error: string(models.CodeInvalidState), Message: err.Error(),
		})
	case models.CodeRateLimited:
		return c.JSON(http.StatusTooManyRequests, errorBody{
			Error: string(models.CodeRateLimited), Message: err.Error(),
		})
	}

	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorBody{
		Error: string(models.CodeInternal), Message: "internal error",
	})
}

// badRequest reports a malformed request body or parameter
func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorBody{
		Error: string(models.CodeValidationFailed), Message: message,
	})
}

// callerID returns the authenticated user id, empty when auth is disabled
func callerID(c echo.Context) string {
	if principal, ok := middleware.PrincipalFrom(c); ok {
		return principal.UserID
	}
	return ""
}
