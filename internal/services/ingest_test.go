package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/models"
)

func TestIngestInboundCreatesContactThreadAndMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	result, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:        "5511988887777",
		Text:        "oi",
		GatewayMeta: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)

	contact, err := env.store.GetContactByPhone(ctx, "5511988887777")
	require.NoError(t, err)
	assert.Equal(t, result.ContactID, contact.ID)
	assert.Equal(t, models.PlaceholderContactName, contact.Name)

	thread := mustThread(t, env.store, result.ThreadID)
	assert.Equal(t, models.QueueArrival, thread.Queue)
	assert.Equal(t, models.ThreadStatusOpen, thread.Status)
	assert.Equal(t, "contact:5511988887777", thread.ChannelThreadID)
	assert.Equal(t, "oi", thread.LastMessagePreview)
	assert.Equal(t, 1, thread.UnreadCount)

	message := mustMessage(t, env.store, result.MessageID)
	assert.Equal(t, models.DirectionIncoming, message.Direction)
	assert.Equal(t, "oi", message.Content)
	assert.Equal(t, models.MessageStatusDelivered, message.Status)
	assert.Equal(t, 1, env.store.CountMessages(thread.ID))

	assert.Equal(t, []string{events.MessageReceived}, env.recorder.Types())
}

func TestIngestInboundExternalIDReplayAndEdit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	event := InboundEvent{From: "5511988887777", Text: "oi", ExternalID: "abc123"}

	first, err := env.ingest.IngestInbound(ctx, event)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	env.clock.Advance(time.Minute)
	second, err := env.ingest.IngestInbound(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.MessageID, second.MessageID)

	env.clock.Advance(time.Minute)
	event.Text = "oi, tudo bem?"
	third, err := env.ingest.IngestInbound(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdited, third.Outcome)
	assert.Equal(t, first.MessageID, third.MessageID)

	assert.Equal(t, 1, env.store.CountMessages(first.ThreadID))
	message := mustMessage(t, env.store, first.MessageID)
	assert.Equal(t, "oi, tudo bem?", message.Content)
	require.NotNil(t, message.EditedAt)

	thread := mustThread(t, env.store, first.ThreadID)
	assert.Equal(t, "oi, tudo bem?", thread.LastMessagePreview, "editing the latest message refreshes the preview")
	assert.Equal(t, 1, thread.UnreadCount)
}

func TestIngestInboundEditOfOlderMessageKeepsPreview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "primeira", ExternalID: "m1", Timestamp: testStart})
	require.NoError(t, err)
	_, err = env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "segunda", ExternalID: "m2", Timestamp: testStart.Add(time.Minute)})
	require.NoError(t, err)

	edited, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "primeira (editada)", ExternalID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEdited, edited.Outcome)
	assert.Equal(t, "segunda", mustThread(t, env.store, first.ThreadID).LastMessagePreview)
}

func TestIngestInboundContentWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "bom dia", Timestamp: testStart})
	require.NoError(t, err)

	// same text within five minutes, the replay carries the id the first lacked
	replay, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "bom dia", ExternalID: "late-id", Timestamp: testStart.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
	assert.Equal(t, "late-id", mustMessage(t, env.store, first.MessageID).ExternalID)

	later, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "bom dia", Timestamp: testStart.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, later.Outcome)
}

func TestIngestInboundHistoryUsesLongWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "pedido 42", Timestamp: testStart})
	require.NoError(t, err)

	history, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:        "5511988887777",
		Text:        "pedido 42",
		Timestamp:   testStart.Add(3 * time.Hour),
		GatewayMeta: map[string]any{"history": true},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, history.Outcome)
}

func TestIngestInboundReopensClosedThread(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "oi"})
	require.NoError(t, err)
	_, err = env.queue.AssignThread(ctx, first.ThreadID, uintPtr(5))
	require.NoError(t, err)
	_, err = env.queue.CloseThread(ctx, first.ThreadID)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	again, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "voltei"})
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, again.ThreadID)

	thread := mustThread(t, env.store, again.ThreadID)
	assert.Equal(t, models.QueueArrival, thread.Queue)
	assert.Equal(t, models.ThreadStatusOpen, thread.Status)
	assert.Nil(t, thread.AssignedUserID)
	assert.Nil(t, thread.ClosedAt)
}

func TestIngestInboundAltGatewayAndGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	direct, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:        "11988887777@c.us",
		Text:        "via gateway",
		Gateway:     "wpp1",
		ProfileName: "Ana Souza",
	})
	require.NoError(t, err)
	thread := mustThread(t, env.store, direct.ThreadID)
	assert.Equal(t, "alt:wpp1:5511988887777", thread.ChannelThreadID)
	contact, err := env.store.GetContact(ctx, direct.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", contact.Name)
	assert.Contains(t, contact.Metadata, snapshotKey)

	group, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:    "120363025@g.us",
		Text:    "reunião amanhã",
		Gateway: "wpp1",
		GatewayMeta: map[string]any{
			"remote_jid":    "120363025@g.us",
			"participant":   map[string]any{"phone": "5511977776666"},
			"group_subject": "Equipe",
		},
	})
	require.NoError(t, err)
	groupThread := mustThread(t, env.store, group.ThreadID)
	assert.Equal(t, models.ChatTypeGroup, groupThread.ChatType)
	assert.Equal(t, models.QueueGroups, groupThread.Queue)
	assert.Equal(t, "alt:wpp1:group:120363025", groupThread.ChannelThreadID)
	assert.Equal(t, "Equipe", groupThread.GroupSubject)

	groupContact, err := env.store.GetContact(ctx, group.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "group:120363025", groupContact.Phone)
	assert.Equal(t, "120363025@g.us", groupThread.GroupAddress())

	groupMessage := mustMessage(t, env.store, group.MessageID)
	assert.Equal(t, "5511977776666", groupMessage.Metadata["participant"])
	raw, ok := groupMessage.Metadata["raw"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "120363025@g.us", raw["remote_jid"])
	assert.Equal(t, "Equipe", raw["group_subject"])
	assert.NotContains(t, raw, "participant")
}

func TestIngestInboundRawExcerptTruncates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	result, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From: "5511988887777",
		Text: "oi",
		GatewayMeta: map[string]any{
			"notify_name":  strings.Repeat("é", 300),
			"is_forwarded": false,
		},
	})
	require.NoError(t, err)

	raw, ok := mustMessage(t, env.store, result.MessageID).Metadata["raw"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("é", rawValueLimit), raw["notify_name"])
	assert.Equal(t, false, raw["is_forwarded"])
}

func TestIngestInboundSwitchingGatewayRealignsChannel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "um", Gateway: "wpp1"})
	require.NoError(t, err)
	second, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "dois", Gateway: "wpp2"})
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, "alt:wpp2:5511988887777", mustThread(t, env.store, first.ThreadID).ChannelThreadID)
}

func TestIngestInboundBlockedAndUnresolved(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.BlockNumber(ctx, &models.BlockedNumber{Phone: "5511988887777", Reason: "spam"}))

	blocked, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "compre agora"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, blocked.Outcome)
	audit := env.store.BlockedInbound()
	require.Len(t, audit, 1)
	assert.Equal(t, "compre agora", audit[0].Excerpt)

	_, err = env.store.GetContactByPhone(ctx, "5511988887777")
	assert.Error(t, err, "blocked traffic creates nothing")

	dropped, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "abc@lid", Text: "?"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, dropped.Outcome)
}

func TestIngestInboundPrunesToRetainLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var last IngestResult
	for i := 0; i < 25; i++ {
		var err error
		last, err = env.ingest.IngestInbound(ctx, InboundEvent{
			From:       "5511988887777",
			Text:       fmt.Sprintf("mensagem %d", i),
			ExternalID: fmt.Sprintf("m-%d", i),
			Timestamp:  testStart.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 20, env.store.CountMessages(last.ThreadID))
	recent, err := env.store.ListRecentMessages(ctx, last.ThreadID, 1)
	require.NoError(t, err)
	assert.Equal(t, "mensagem 24", recent[0].Content)
	assert.Equal(t, 25, mustThread(t, env.store, last.ThreadID).UnreadCount)
}

func TestIngestInboundPreviewTruncates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	long := strings.Repeat("é", 200)
	result, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: long})
	require.NoError(t, err)
	preview := mustThread(t, env.store, result.ThreadID).LastMessagePreview
	assert.Equal(t, 160, len([]rune(preview)))

	media, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:  "5511988887777",
		Media: map[string]any{"mimetype": "image/jpeg", "url": "https://cdn.example.com/a.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[image]", mustThread(t, env.store, media.ThreadID).LastMessagePreview)
	assert.Equal(t, models.MessageTypeImage, mustMessage(t, env.store, media.MessageID).MessageType)
}

func TestIngestOutboundLog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "oi", Gateway: "wpp1"})
	require.NoError(t, err)
	_, err = env.queue.CloseThread(ctx, inbound.ThreadID)
	require.NoError(t, err)

	staff := &models.Message{
		ThreadID:    inbound.ThreadID,
		Direction:   models.DirectionOutgoing,
		MessageType: models.MessageTypeText,
		Content:     "Olá! Em que posso ajudar?",
		Status:      models.MessageStatusSent,
		SentAt:      testStart,
	}
	require.NoError(t, env.store.CreateMessage(ctx, staff))

	echo, err := env.ingest.IngestOutboundLog(ctx, OutboundLogEntry{
		To:         "5511988887777",
		Text:       "  Olá! Em que posso ajudar?  ",
		ExternalID: "true_5511988887777@c.us_3EB0",
		Timestamp:  testStart.Add(5 * time.Second),
		Gateway:    "wpp1",
		Ack:        intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, echo.Outcome)
	assert.Equal(t, staff.ID, echo.MessageID)

	matched := mustMessage(t, env.store, staff.ID)
	assert.Equal(t, "true_5511988887777@c.us_3EB0", matched.ExternalID)
	assert.Equal(t, models.MessageStatusDelivered, matched.Status)

	fromPhone, err := env.ingest.IngestOutboundLog(ctx, OutboundLogEntry{
		To:         "5511988887777",
		Text:       "mensagem enviada pelo celular",
		ExternalID: "true_5511988887777@c.us_3EB1",
		Timestamp:  testStart.Add(time.Minute),
		Gateway:    "wpp1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, fromPhone.Outcome)
	imported := mustMessage(t, env.store, fromPhone.MessageID)
	assert.Equal(t, models.MessageStatusImported, imported.Status)
	assert.Equal(t, models.DirectionOutgoing, imported.Direction)

	thread := mustThread(t, env.store, inbound.ThreadID)
	assert.Equal(t, models.QueueConcluidos, thread.Queue, "outbound echoes do not reopen")
	assert.Equal(t, "mensagem enviada pelo celular", thread.LastMessagePreview)

	replay, err := env.ingest.IngestOutboundLog(ctx, OutboundLogEntry{To: "5511988887777", Text: "x", ExternalID: "true_5511988887777@c.us_3EB1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)
	assert.Equal(t, fromPhone.MessageID, replay.MessageID)
}
