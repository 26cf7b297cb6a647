package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// Ack warnings
const (
	AckMissingID       = "ack_missing_id"
	AckMessageNotFound = "ack_message_not_found"
)

var statusPriority = map[string]int{
	models.MessageStatusFailed:    -20,
	models.MessageStatusError:     -10,
	models.MessageStatusQueued:    5,
	models.MessageStatusSaving:    8,
	models.MessageStatusSent:      10,
	models.MessageStatusImported:  15,
	models.MessageStatusDelivered: 20,
	models.MessageStatusRead:      30,
}

// StatusPriority ranks delivery statuses; unknown statuses rank zero
func StatusPriority(status string) int {
	return statusPriority[status]
}

// PrioritizeStatus returns the status a message should carry after seeing
// candidate: statuses never move backwards
func PrioritizeStatus(current, candidate string) string {
	if candidate == "" {
		return current
	}
	if current == "" || StatusPriority(candidate) >= StatusPriority(current) {
		return candidate
	}
	return current
}

// StatusFromAck maps a gateway ack level to a message status
func StatusFromAck(ack int) (string, bool) {
	switch ack {
	case 0:
		return models.MessageStatusQueued, true
	case 1:
		return models.MessageStatusSent, true
	case 2:
		return models.MessageStatusDelivered, true
	case 3, 4:
		return models.MessageStatusRead, true
	}
	return "", false
}

// AckMeta is a delivery acknowledgement reported by a gateway or provider
type AckMeta struct {
	ExternalID      string
	Ack             *int
	Status          string // provider status, used when Ack is nil
	Timestamp       *time.Time
	GatewayInstance string
	Origin          string
}

// AckResult describes what an ack did
type AckResult struct {
	MessageID uint   `json:"message_id,omitempty"`
	ThreadID  uint   `json:"thread_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Changed   bool   `json:"changed"`
	Warning   string `json:"warning,omitempty"`
}

// RegisterDeliveryAck applies an ack to the message with the given external
// id. Unknown or missing ids come back as warnings, not errors.
func (s *IngestService) RegisterDeliveryAck(ctx context.Context, phone string, meta AckMeta) (AckResult, error) {
	if meta.ExternalID == "" {
		metrics.AckTotal.WithLabelValues(AckMissingID).Inc()
		s.log.Warn().Str("phone", phone).Msg("Ack without message id")
		return AckResult{Warning: AckMissingID}, nil
	}

	message, err := s.store.GetMessageByExternalID(ctx, meta.ExternalID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.AckTotal.WithLabelValues(AckMessageNotFound).Inc()
		s.log.Debug().Str("external_id", meta.ExternalID).Str("phone", phone).Msg("Ack for unknown message")
		return AckResult{Warning: AckMessageNotFound}, nil
	}
	if err != nil {
		return AckResult{}, fmt.Errorf("find message %s: %w", meta.ExternalID, err)
	}

	result, err := s.applyAck(ctx, message, meta)
	if err != nil {
		return AckResult{}, err
	}
	if result.Changed {
		metrics.AckTotal.WithLabelValues("changed").Inc()
		s.publish(ctx, events.MessageAck, result)
	} else {
		metrics.AckTotal.WithLabelValues("unchanged").Inc()
	}
	return result, nil
}

func (s *IngestService) applyAck(ctx context.Context, message *models.Message, meta AckMeta) (AckResult, error) {
	candidate := meta.Status
	if meta.Ack != nil {
		if mapped, ok := StatusFromAck(*meta.Ack); ok {
			candidate = mapped
		}
	}

	next := PrioritizeStatus(message.Status, candidate)
	result := AckResult{MessageID: message.ID, ThreadID: message.ThreadID, Status: next}

	ackBlock := map[string]any{}
	if meta.Ack != nil {
		ackBlock["ack"] = *meta.Ack
	}
	if meta.Status != "" {
		ackBlock["status"] = meta.Status
	}
	if meta.Timestamp != nil {
		ackBlock["timestamp"] = meta.Timestamp.UTC().Format(time.RFC3339)
	}
	if meta.GatewayInstance != "" {
		ackBlock["instance"] = meta.GatewayInstance
	}
	if meta.Origin != "" {
		ackBlock["origin"] = meta.Origin
	}

	if next == message.Status && len(ackBlock) == 0 {
		return result, nil
	}
	result.Changed = next != message.Status
	message.Status = next
	message.Metadata = models.MergeMessageMetadata(message.Metadata, map[string]any{"gateway_ack": ackBlock})
	if message.GatewaySlug == "" && meta.GatewayInstance != "" {
		message.GatewaySlug = meta.GatewayInstance
	}
	if err := s.store.UpdateMessage(ctx, message); err != nil {
		return AckResult{}, fmt.Errorf("update message %d: %w", message.ID, err)
	}

	if result.Changed {
		s.log.Debug().
			Uint("message_id", message.ID).
			Str("status", next).
			Msg("Delivery status updated")
	}
	return result, nil
}
