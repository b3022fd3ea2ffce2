package handlers

import (
	"errors"

	"creator-payment-system/logger"
	"creator-payment-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps a saga error class onto an HTTP status
func statusFor(se *services.SagaError) int {
	if se.Code == services.ErrCodeNotFound {
		return fiber.StatusNotFound
	}
	switch se.Class {
	case services.ClassInvalidInput:
		return fiber.StatusBadRequest
	case services.ClassExternalTransient:
		return fiber.StatusServiceUnavailable
	case services.ClassPaymentRejected:
		return fiber.StatusPaymentRequired
	case services.ClassConflict:
		return fiber.StatusConflict
	case services.ClassExhausted:
		return fiber.StatusGone
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	var verrs services.ValidationErrors
	if errors.As(err, &verrs) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid payload",
			"code":    services.ErrCodeInvalidPayload,
			"details": verrs,
		})
	}

	if se, ok := services.AsSagaError(err); ok {
		status := statusFor(se)
		if se.Retryable() {
			c.Set(fiber.HeaderRetryAfter, "5")
		}
		return c.Status(status).JSON(fiber.Map{
			"error":     se.Message,
			"code":      se.Code,
			"class":     se.Class,
			"retryable": se.Retryable(),
		})
	}

	logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
