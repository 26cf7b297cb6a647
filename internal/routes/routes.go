package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ananth-NQI/wa-relay/internal/handlers"
	"github.com/Ananth-NQI/wa-relay/internal/middleware"
)

// Handlers groups every HTTP handler the relay exposes
type Handlers struct {
	Health    *handlers.HealthHandler
	WhatsApp  *handlers.WhatsAppHandler
	Threads   *handlers.ThreadHandler
	Messages  *handlers.MessageHandler
	Gateways  *handlers.GatewayHandler
	Blocklist *handlers.BlocklistHandler
	Sandbox   *handlers.SandboxHandler
}

// Options carries the webhook authentication settings
type Options struct {
	Tokens middleware.TokenChecker
	Twilio middleware.TwilioAuthConfig
}

// SetupRoutes configures all routes
func SetupRoutes(app *fiber.App, h Handlers, opts Options) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "wa-relay",
			"version": h.Health.Version,
			"endpoints": fiber.Map{
				"health":  "/health",
				"metrics": "/metrics",
				"api":     "/api",
				"webhook": "/webhook",
			},
		})
	})
	app.Get("/health", h.Health.Check)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")

	gatewayToken := middleware.ValidateGatewayToken(opts.Tokens)
	webhooks.Post("/gateway/:slug", gatewayToken, h.WhatsApp.HandleGatewayInbound)
	webhooks.Post("/gateway/:slug/ack", gatewayToken, h.WhatsApp.HandleGatewayAck)
	webhooks.Post("/gateway/:slug/outbound", gatewayToken, h.WhatsApp.HandleGatewayOutbound)

	webhooks.Post("/twilio", middleware.ValidateTwilioSignature(opts.Twilio), h.WhatsApp.HandleTwilioWebhook)

	// ========== API ROUTES ==========
	api := app.Group("/api")

	queues := api.Group("/queues")
	queues.Get("/summary", h.Threads.QueueSummary)
	queues.Get("/:queue/threads", h.Threads.ListThreads)

	threads := api.Group("/threads")
	threads.Get("/:id/messages", h.Threads.Messages)
	threads.Post("/:id/read", h.Threads.MarkRead)
	threads.Post("/:id/queue", h.Threads.UpdateQueue)
	threads.Post("/:id/close", h.Threads.Close)
	threads.Post("/:id/status", h.Threads.UpdateStatus)
	threads.Post("/:id/assign", h.Threads.Assign)

	api.Post("/messages/send", h.Messages.Send)
	api.Get("/gateways", h.Gateways.Status)

	blocklist := api.Group("/blocklist")
	blocklist.Get("/", h.Blocklist.List)
	blocklist.Post("/", h.Blocklist.Block)
	blocklist.Delete("/:phone", h.Blocklist.Unblock)

	api.Post("/sandbox/inbound", h.Sandbox.Inbound)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Route not found",
			"path":  c.Path(),
		})
	})
}
