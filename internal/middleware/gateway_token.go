package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// GatewayTokenHeader carries the per-instance webhook token
const GatewayTokenHeader = "X-Gateway-Token"

// TokenChecker validates the token an alt gateway instance presents
type TokenChecker interface {
	ValidWebhookToken(slug, token string) bool
}

// ValidateGatewayToken rejects webhook calls whose token does not match the
// instance named by the :slug route parameter
func ValidateGatewayToken(checker TokenChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		slug := c.Params("slug")
		token := c.Get(GatewayTokenHeader)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing gateway token",
			})
		}
		if !checker.ValidWebhookToken(slug, token) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid gateway token",
			})
		}
		return c.Next()
	}
}
