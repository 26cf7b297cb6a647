package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/wa-relay/internal/services"
)

// BlocklistHandler manages blocked senders
type BlocklistHandler struct {
	blocklist *services.BlocklistService
}

// NewBlocklistHandler creates a new blocklist handler
func NewBlocklistHandler(blocklist *services.BlocklistService) *BlocklistHandler {
	return &BlocklistHandler{blocklist: blocklist}
}

// BlockRequest adds a number to the blocklist
type BlockRequest struct {
	Phone  string `json:"phone" validate:"required,min=8,max=32"`
	Reason string `json:"reason" validate:"max=255"`
}

// List returns every blocked number
func (h *BlocklistHandler) List(c *fiber.Ctx) error {
	entries, err := h.blocklist.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"blocked": entries})
}

// Block adds or updates a blocklist entry
func (h *BlocklistHandler) Block(c *fiber.Ctx) error {
	var req BlockRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	entry, err := h.blocklist.Block(c.UserContext(), req.Phone, req.Reason)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// Unblock removes a number from the blocklist
func (h *BlocklistHandler) Unblock(c *fiber.Ctx) error {
	if err := h.blocklist.Unblock(c.UserContext(), c.Params("phone")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
