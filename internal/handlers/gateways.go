package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/wa-relay/internal/services"
)

// GatewayHandler reports alt gateway usage and health
type GatewayHandler struct {
	status *services.GatewayStatusService
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(status *services.GatewayStatusService) *GatewayHandler {
	return &GatewayHandler{status: status}
}

// Status lists every instance with today's usage; ?probe=true also calls
// each enabled instance's health endpoint
func (h *GatewayHandler) Status(c *fiber.Ctx) error {
	probe := c.QueryBool("probe", false)
	gateways, err := h.status.Status(c.UserContext(), probe)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"gateways": gateways})
}
