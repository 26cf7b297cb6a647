package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioAuthConfig configures webhook signature validation
type TwilioAuthConfig struct {
	AuthToken string
	// PublicBaseURL is the externally visible origin Twilio signs against,
	// e.g. "https://relay.example.com". Empty means derive it from the request.
	PublicBaseURL string
	Disabled      bool
	Log           zerolog.Logger
}

// ValidateTwilioSignature validates that the webhook request is from Twilio
func ValidateTwilioSignature(cfg TwilioAuthConfig) fiber.Handler {
	validator := twilioclient.NewRequestValidator(cfg.AuthToken)

	return func(c *fiber.Ctx) error {
		if cfg.Disabled {
			return c.Next()
		}

		signature := c.Get("X-Twilio-Signature")
		if signature == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing Twilio signature",
			})
		}

		if cfg.AuthToken == "" {
			// Log error but don't expose to client
			cfg.Log.Error().Msg("TWILIO_AUTH_TOKEN not set, rejecting webhook")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Server configuration error",
			})
		}

		params := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			params[string(key)] = string(value)
		})

		if !validator.Validate(fullURL(c, cfg.PublicBaseURL), params, signature) {
			cfg.Log.Warn().Str("path", c.Path()).Msg("Invalid Twilio signature")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// fullURL rebuilds the URL Twilio called, query string included
func fullURL(c *fiber.Ctx, publicBaseURL string) string {
	if publicBaseURL != "" {
		return strings.TrimRight(publicBaseURL, "/") + string(c.Request().RequestURI())
	}

	protocol := "https"
	if c.Protocol() == "http" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.Hostname(), c.Request().RequestURI())
}
