package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

var validate = validator.New()

// ErrorHandler renders service errors as {"error": ...} with the status the
// error type calls for
func ErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		body := fiber.Map{"error": err.Error()}

		var (
			fiberErr   *fiber.Error
			transition *apperrors.InvalidQueueTransitionError
			limited    *apperrors.RateLimitedError
			quota      *apperrors.QuotaExhaustedError
			failed     *apperrors.DispatchFailedError
			invalid    validator.ValidationErrors
		)
		switch {
		case errors.As(err, &fiberErr):
			status = fiberErr.Code
			body["error"] = fiberErr.Message
		case errors.As(err, &invalid):
			status = fiber.StatusUnprocessableEntity
			body["error"] = validationMessage(invalid)
		case errors.As(err, &transition):
			status = fiber.StatusUnprocessableEntity
			body["from"] = transition.From
			body["to"] = transition.To
		case errors.Is(err, apperrors.ErrInvalidInput):
			status = fiber.StatusUnprocessableEntity
		case errors.As(err, &limited):
			status = fiber.StatusTooManyRequests
			body["scope"] = limited.Scope
			body["retry_after_seconds"] = int(limited.RetryAfter.Seconds())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(limited.RetryAfter.Seconds())))
		case errors.As(err, &quota):
			status = fiber.StatusServiceUnavailable
			body["candidates"] = quota.Candidates
		case errors.As(err, &failed):
			status = fiber.StatusBadGateway
			body["status"] = "error"
			body["attempted"] = failed.Attempts
		case errors.Is(err, apperrors.ErrThreadNotFound), errors.Is(err, storage.ErrNotFound):
			status = fiber.StatusNotFound
		case errors.Is(err, apperrors.ErrRecipientBlocked):
			status = fiber.StatusForbidden
		case errors.Is(err, apperrors.ErrNoLine):
			status = fiber.StatusServiceUnavailable
		}

		if status >= fiber.StatusInternalServerError {
			log.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("Request failed")
		}
		return c.Status(status).JSON(body)
	}
}

// parseBody decodes and validates a JSON body
func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	return validate.Struct(dst)
}

// paramID reads a positive numeric route parameter
func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid "+name)
	}
	return uint(id), nil
}

func validationMessage(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
