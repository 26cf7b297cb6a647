package handlers

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/services"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// WhatsAppHandler handles gateway and Twilio webhooks
type WhatsAppHandler struct {
	store    storage.Store
	ingest   *services.IngestService
	registry *services.GatewayRegistry
	log      zerolog.Logger
}

// NewWhatsAppHandler creates a new WhatsApp webhook handler
func NewWhatsAppHandler(store storage.Store, ingest *services.IngestService, registry *services.GatewayRegistry, log zerolog.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		store:    store,
		ingest:   ingest,
		registry: registry,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// GatewayMeta is the meta block alt gateways attach to every event
type GatewayMeta struct {
	ExternalID      string         `json:"external_id"`
	Timestamp       any            `json:"timestamp"` // epoch seconds, epoch millis or ISO-8601
	ProfileName     string         `json:"profile_name"`
	ProfilePhoto    string         `json:"profile_photo"`
	MessageType     string         `json:"message_type"`
	ChatID          string         `json:"chat_id"`
	Ack             *int           `json:"ack"`
	GatewayInstance string         `json:"gateway_instance"`
	GatewayMetadata map[string]any `json:"gateway_metadata"`
	Media           map[string]any `json:"media"`
}

// GatewayMessagePayload is an inbound message or an outbound log entry
type GatewayMessagePayload struct {
	From string      `json:"from"`
	To   string      `json:"to"`
	Text string      `json:"text"`
	Meta GatewayMeta `json:"meta"`
}

// GatewayAckPayload is a delivery acknowledgement from an alt gateway
type GatewayAckPayload struct {
	Phone string      `json:"phone"`
	Meta  GatewayMeta `json:"meta"`
}

// HandleGatewayInbound ingests a customer message forwarded by an alt gateway
func (h *WhatsAppHandler) HandleGatewayInbound(c *fiber.Ctx) error {
	var payload GatewayMessagePayload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid webhook payload")
	}

	meta := h.gatewayMeta(c.Params("slug"), payload.Meta)
	result, err := h.ingest.IngestInbound(c.UserContext(), services.InboundEvent{
		From:            payload.From,
		Text:            payload.Text,
		ExternalID:      payload.Meta.ExternalID,
		Timestamp:       parseEventTime(payload.Meta.Timestamp),
		ProfileName:     payload.Meta.ProfileName,
		ProfilePhoto:    payload.Meta.ProfilePhoto,
		MessageType:     payload.Meta.MessageType,
		Media:           payload.Meta.Media,
		GatewayMeta:     meta,
		ChannelThreadID: payload.Meta.ChatID,
		Gateway:         h.registry.DetectSlug(meta),
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// HandleGatewayOutbound records a message staff sent from the phone itself
func (h *WhatsAppHandler) HandleGatewayOutbound(c *fiber.Ctx) error {
	var payload GatewayMessagePayload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid webhook payload")
	}

	to := payload.To
	if to == "" {
		to = payload.From
	}
	meta := h.gatewayMeta(c.Params("slug"), payload.Meta)
	result, err := h.ingest.IngestOutboundLog(c.UserContext(), services.OutboundLogEntry{
		To:              to,
		Text:            payload.Text,
		ExternalID:      payload.Meta.ExternalID,
		Timestamp:       parseEventTime(payload.Meta.Timestamp),
		Ack:             payload.Meta.Ack,
		MessageType:     payload.Meta.MessageType,
		Media:           payload.Meta.Media,
		GatewayMeta:     meta,
		ChannelThreadID: payload.Meta.ChatID,
		Gateway:         h.registry.DetectSlug(meta),
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// HandleGatewayAck applies a delivery acknowledgement
func (h *WhatsAppHandler) HandleGatewayAck(c *fiber.Ctx) error {
	var payload GatewayAckPayload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid ack payload")
	}

	instance := services.SanitizeSlug(payload.Meta.GatewayInstance)
	if instance == "" {
		instance = c.Params("slug")
	}
	ack := services.AckMeta{
		ExternalID:      payload.Meta.ExternalID,
		Ack:             payload.Meta.Ack,
		GatewayInstance: instance,
		Origin:          "alt:" + instance,
	}
	if ts := parseEventTime(payload.Meta.Timestamp); !ts.IsZero() {
		ack.Timestamp = &ts
	}

	result, err := h.ingest.RegisterDeliveryAck(c.UserContext(), payload.Phone, ack)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// gatewayMeta flattens the payload meta into the map ingestion reads. The
// route slug is the instance unless an explicit gateway_instance names
// another known instance.
func (h *WhatsAppHandler) gatewayMeta(slug string, meta GatewayMeta) map[string]any {
	out := make(map[string]any, len(meta.GatewayMetadata)+2)
	for k, v := range meta.GatewayMetadata {
		out[k] = v
	}
	explicit := meta.GatewayInstance
	if explicit == "" {
		explicit, _ = out["gateway_instance"].(string)
	}
	out["gateway_instance"] = slug
	if _, known := h.registry.Get(services.SanitizeSlug(explicit)); known {
		out["gateway_instance"] = explicit
	}
	if meta.ChatID != "" {
		if _, ok := out["chat_id"]; !ok {
			out["chat_id"] = meta.ChatID
		}
	}
	return out
}

// TwilioWebhookPayload represents an incoming message or status callback from Twilio
type TwilioWebhookPayload struct {
	MessageSid        string `form:"MessageSid"`
	AccountSid        string `form:"AccountSid"`
	From              string `form:"From"` // whatsapp:+5511988887777
	To                string `form:"To"`   // the line's sender
	Body              string `form:"Body"`
	ProfileName       string `form:"ProfileName"`
	WaID              string `form:"WaId"`
	NumMedia          string `form:"NumMedia"`
	MediaURL0         string `form:"MediaUrl0"`
	MediaContentType0 string `form:"MediaContentType0"`
	MessageStatus     string `form:"MessageStatus"`
	ErrorCode         string `form:"ErrorCode"`
}

// HandleTwilioWebhook processes messages and status callbacks for official lines
func (h *WhatsAppHandler) HandleTwilioWebhook(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid webhook payload")
	}
	ctx := c.UserContext()

	if status, ok := twilioStatus(payload.MessageStatus); ok {
		result, err := h.ingest.RegisterDeliveryAck(ctx, payload.To, services.AckMeta{
			ExternalID: payload.MessageSid,
			Status:     status,
			Origin:     models.ProviderTwilio,
		})
		if err != nil {
			return err
		}
		if payload.ErrorCode != "" {
			h.log.Warn().Str("sid", payload.MessageSid).Str("error_code", payload.ErrorCode).Msg("Twilio reported a delivery error")
		}
		return c.JSON(result)
	}

	lineID, err := h.lineForSender(ctx, payload.To)
	if err != nil {
		return err
	}

	var media map[string]any
	if n, _ := strconv.Atoi(payload.NumMedia); n > 0 && payload.MediaURL0 != "" {
		media = map[string]any{"url": payload.MediaURL0, "mimetype": payload.MediaContentType0}
	}
	meta := map[string]any{"origin": models.ProviderTwilio}
	if payload.WaID != "" {
		meta["wa_id"] = payload.WaID
	}

	result, err := h.ingest.IngestInbound(ctx, services.InboundEvent{
		From:        strings.TrimPrefix(payload.From, "whatsapp:"),
		Text:        payload.Body,
		ExternalID:  payload.MessageSid,
		ProfileName: payload.ProfileName,
		Media:       media,
		GatewayMeta: meta,
		LineID:      lineID,
	})
	if err != nil {
		return err
	}

	h.log.Debug().Str("outcome", result.Outcome).Uint("thread_id", result.ThreadID).Msg("Twilio message ingested")
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.SendString("<Response></Response>")
}

// lineForSender finds the official line a Twilio webhook was addressed to,
// falling back to the default line
func (h *WhatsAppHandler) lineForSender(ctx context.Context, to string) (*uint, error) {
	lines, err := h.store.ListLines(ctx)
	if err != nil {
		return nil, err
	}
	want := services.DigitsOnly(to)
	var fallback *uint
	for _, line := range lines {
		if want != "" && services.DigitsOnly(line.SenderID) == want {
			id := line.ID
			return &id, nil
		}
		if line.IsDefault && fallback == nil {
			id := line.ID
			fallback = &id
		}
	}
	return fallback, nil
}

// twilioStatus maps a Twilio MessageStatus to a message status. Inbound
// messages carry "received" and are not acks.
func twilioStatus(raw string) (string, bool) {
	switch strings.ToLower(raw) {
	case "queued", "accepted", "scheduled", "sending":
		return models.MessageStatusQueued, true
	case "sent":
		return models.MessageStatusSent, true
	case "delivered":
		return models.MessageStatusDelivered, true
	case "read":
		return models.MessageStatusRead, true
	case "failed", "undelivered", "canceled":
		return models.MessageStatusFailed, true
	}
	return "", false
}

// parseEventTime accepts epoch seconds, epoch milliseconds (numbers or
// numeric strings) and ISO-8601. Unparseable values come back zero.
func parseEventTime(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return epochTime(v)
	case int64:
		return epochTime(float64(v))
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return time.Time{}
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return epochTime(f)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func epochTime(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
