package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/services"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
	"github.com/Ananth-NQI/wa-relay/internal/utils"
)

// SandboxHandler injects customer messages on a sandbox line, for
// development without a provider
type SandboxHandler struct {
	store  storage.Store
	ingest *services.IngestService
	log    zerolog.Logger
}

// NewSandboxHandler creates a new sandbox handler
func NewSandboxHandler(store storage.Store, ingest *services.IngestService, log zerolog.Logger) *SandboxHandler {
	return &SandboxHandler{store: store, ingest: ingest, log: log}
}

// SandboxInboundRequest is a simulated customer message
type SandboxInboundRequest struct {
	From        string `json:"from" validate:"required"`
	Text        string `json:"text" validate:"required,max=4096"`
	ProfileName string `json:"profile_name" validate:"max=120"`
	LineID      *uint  `json:"line_id"`
}

// Inbound ingests a simulated message as if it arrived on a sandbox line
func (h *SandboxHandler) Inbound(c *fiber.Ctx) error {
	var req SandboxInboundRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ctx := c.UserContext()

	line, err := h.sandboxLine(c, req.LineID)
	if err != nil {
		return err
	}

	lineID := line.ID
	result, err := h.ingest.IngestInbound(ctx, services.InboundEvent{
		From:        req.From,
		Text:        req.Text,
		ExternalID:  utils.GenerateSecureID("sandbox-in-"),
		ProfileName: req.ProfileName,
		GatewayMeta: map[string]any{"origin": models.ProviderSandbox},
		LineID:      &lineID,
	})
	if err != nil {
		return err
	}

	h.log.Info().Str("from", req.From).Str("outcome", result.Outcome).Msg("Sandbox message injected")
	return c.JSON(result)
}

func (h *SandboxHandler) sandboxLine(c *fiber.Ctx, lineID *uint) (*models.Line, error) {
	ctx := c.UserContext()
	if lineID != nil {
		line, err := h.store.GetLine(ctx, *lineID)
		if err != nil {
			return nil, err
		}
		if line.Provider != models.ProviderSandbox {
			return nil, fiber.NewError(fiber.StatusUnprocessableEntity, "Line is not a sandbox line")
		}
		return line, nil
	}

	lines, err := h.store.ListLines(ctx)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if line.Provider == models.ProviderSandbox {
			return line, nil
		}
	}
	return nil, fiber.NewError(fiber.StatusNotFound, "No sandbox line configured")
}
