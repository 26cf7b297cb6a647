package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/wa-relay/internal/services"
)

// MessageHandler handles staff and campaign sends
type MessageHandler struct {
	outbound *services.OutboundService
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(outbound *services.OutboundService) *MessageHandler {
	return &MessageHandler{outbound: outbound}
}

// Send delivers a message through the thread's channel
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	var req services.SendRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := h.outbound.Send(c.UserContext(), req)
	if err != nil {
		return err
	}

	return c.JSON(result)
}
