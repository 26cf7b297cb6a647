package services

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/models"
)

type failingLineSender struct{}

func (failingLineSender) Send(context.Context, *models.Line, LineMessage) (string, error) {
	return "", errors.New("provider unavailable")
}

func latestMessage(t *testing.T, env *testEnv, threadID uint) *models.Message {
	t.Helper()
	messages, err := env.store.ListRecentMessages(context.Background(), threadID, 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	return messages[0]
}

func TestSendAltGateway(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "3EB0C0FFEE")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "oi", Gateway: "wpp1"})
	require.NoError(t, err)

	result, err := env.outbound.Send(ctx, SendRequest{ThreadID: inbound.ThreadID, Body: "Olá! Em que posso ajudar?  ", ActorID: uintPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, result.Status)
	assert.Equal(t, PathAlt, result.Path)
	assert.Equal(t, "wpp1", result.GatewaySlug)
	assert.Equal(t, "3EB0C0FFEE", result.ExternalMessageID)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "5511988887777", calls[0].Phone)
	assert.Equal(t, "Olá! Em que posso ajudar?", calls[0].Message)
	assert.Equal(t, []string{"token-wpp1"}, gw.tokens)

	message := mustMessage(t, env.store, result.MessageID)
	assert.Equal(t, models.MessageStatusSent, message.Status)
	assert.Equal(t, models.DirectionOutgoing, message.Direction)
	assert.Equal(t, "3EB0C0FFEE", message.ExternalID)
	assert.Equal(t, "wpp1", message.GatewaySlug)
	require.NotNil(t, message.ActorID)
	assert.Equal(t, uint(1), *message.ActorID)

	thread := mustThread(t, env.store, inbound.ThreadID)
	assert.Equal(t, "Olá! Em que posso ajudar?", thread.LastMessagePreview)

	usage, err := env.usage.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count("wpp1"))
	assert.Contains(t, env.recorder.Types(), events.MessageSent)
}

func TestSendAltRealignsChannelToWinningGateway(t *testing.T) {
	ctx := context.Background()
	broken := newFakeGateway(t, http.StatusInternalServerError, "")
	healthy := newFakeGateway(t, http.StatusOK, "wpp2-msg")
	env := newTestEnv(t, broken.Instance("wpp1", 0), healthy.Instance("wpp2", 0))

	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "oi", Gateway: "wpp1"})
	require.NoError(t, err)

	result, err := env.outbound.Send(ctx, SendRequest{ThreadID: inbound.ThreadID, Body: "resposta"})
	require.NoError(t, err)
	assert.Equal(t, "wpp2", result.GatewaySlug)
	require.Len(t, result.Attempted, 2)
	assert.Equal(t, "alt:wpp2:5511988887777", mustThread(t, env.store, inbound.ThreadID).ChannelThreadID)
}

func TestSendToGroupUsesRawJID(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "grp-1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{
		From:    "5511999990000-1600000000@g.us",
		Text:    "bom dia",
		Gateway: "wpp1",
		GatewayMeta: map[string]any{
			"remote_jid":  "5511999990000-1600000000@g.us",
			"participant": map[string]any{"phone": "5511977776666"},
		},
	})
	require.NoError(t, err)
	thread := mustThread(t, env.store, inbound.ThreadID)
	require.True(t, thread.IsGroup())

	result, err := env.outbound.Send(ctx, SendRequest{ThreadID: inbound.ThreadID, Body: "bom dia a todos"})
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, result.Status)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "5511999990000-1600000000@g.us", calls[0].Phone)
}

func TestSendDuplicateClick(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511988887777", Text: "oi", Gateway: "wpp1"})
	require.NoError(t, err)
	req := SendRequest{ThreadID: inbound.ThreadID, Body: "segue o boleto", ActorID: uintPtr(9)}

	first, err := env.outbound.Send(ctx, req)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Second)
	second, err := env.outbound.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SendStatusDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Len(t, gw.Calls(), 1)

	other := req
	other.ActorID = uintPtr(10)
	third, err := env.outbound.Send(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, third.Status, "another agent is not a double click")

	env.clock.Advance(15 * time.Second)
	fourth, err := env.outbound.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, fourth.Status)
	assert.Len(t, gw.Calls(), 3)
}

func TestSendProactiveNumberLimit(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	first, err := env.outbound.Send(ctx, SendRequest{Phone: "11977776666", Body: "promoção", Proactive: true})
	require.NoError(t, err)
	assert.Equal(t, "alt:wpp1:5511977776666", mustThread(t, env.store, first.ThreadID).ChannelThreadID)

	_, err = env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "promoção 2", Proactive: true})
	var limited *apperrors.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, apperrors.ScopeNumber, limited.Scope)
	assert.Len(t, gw.Calls(), 1)

	// replies to the customer are not proactive
	_, err = env.outbound.Send(ctx, SendRequest{ThreadID: first.ThreadID, Body: "respondendo"})
	assert.NoError(t, err)
}

func TestSendCampaignLimitPerNumber(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))
	env.outbound.opts.NumberLimit = 10

	_, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "black friday", CampaignKey: "bf-2026"})
	require.NoError(t, err)
	_, err = env.outbound.Send(ctx, SendRequest{Phone: "5511955554444", Body: "black friday", CampaignKey: "bf-2026"})
	require.NoError(t, err)

	_, err = env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "black friday!", CampaignKey: "bf-2026"})
	var limited *apperrors.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, apperrors.ScopeCampaign, limited.Scope)
	assert.Equal(t, "campaign:bf-2026:5511977776666", limited.Key)
}

func TestSendFailureReleasesLimitsAndKeepsErrorRow(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusBadGateway, "")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	_, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "promoção", Proactive: true})
	var failed *apperrors.DispatchFailedError
	require.True(t, errors.As(err, &failed))

	contact, err := env.store.GetContactByPhone(ctx, "5511977776666")
	require.NoError(t, err)
	thread, err := env.store.FindLatestThreadByContact(ctx, contact.ID, nil)
	require.NoError(t, err)
	message := latestMessage(t, env, thread.ID)
	assert.Equal(t, models.MessageStatusError, message.Status)
	assert.Contains(t, message.Metadata, "attempted")

	// the unit taken for the failed send was given back
	assert.NoError(t, env.limiter.Allow(ctx, apperrors.ScopeNumber, "5511977776666", 24*time.Hour, 1))
}

func TestSendQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 1))

	first, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "um"})
	require.NoError(t, err)

	_, err = env.outbound.Send(ctx, SendRequest{ThreadID: first.ThreadID, Body: "dois"})
	var quota *apperrors.QuotaExhaustedError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, []string{"wpp1"}, quota.Candidates)
	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, models.MessageStatusError, latestMessage(t, env, first.ThreadID).Status)
}

func TestSendRejectsBlockedAndEmpty(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))
	require.NoError(t, env.store.BlockNumber(ctx, &models.BlockedNumber{Phone: "5511977776666"}))

	_, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "oi"})
	assert.ErrorIs(t, err, apperrors.ErrRecipientBlocked)

	_, err = env.outbound.Send(ctx, SendRequest{Phone: "5511955554444", Body: "   "})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = env.outbound.Send(ctx, SendRequest{Phone: "abc", Body: "oi"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = env.outbound.Send(ctx, SendRequest{ThreadID: 777, Body: "oi"})
	assert.ErrorIs(t, err, apperrors.ErrThreadNotFound)
	assert.Empty(t, gw.Calls())
}

func TestSendPrimaryLine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "oi"})
	assert.ErrorIs(t, err, apperrors.ErrNoLine)

	line := &models.Line{
		Label:                  "Atendimento",
		Provider:               models.ProviderSandbox,
		IsDefault:              true,
		RateLimitEnabled:       true,
		RateLimitWindowSeconds: 3600,
		RateLimitMaxMessages:   1,
	}
	require.NoError(t, env.store.UpsertLine(ctx, line))

	result, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "oi"})
	require.NoError(t, err)
	assert.Equal(t, PathPrimary, result.Path)
	assert.True(t, strings.HasPrefix(result.ExternalMessageID, "sandbox-"))
	require.NotNil(t, result.LineID)
	assert.Equal(t, line.ID, *result.LineID)

	thread := mustThread(t, env.store, result.ThreadID)
	assert.Equal(t, "contact:5511977776666", thread.ChannelThreadID)
	require.NotNil(t, thread.LineID)

	// the line allows one send per hour outside a customer session
	_, err = env.outbound.Send(ctx, SendRequest{Phone: "5511955554444", Body: "oi"})
	var limited *apperrors.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, apperrors.ScopeLine, limited.Scope)

	// inside the session window replies skip the line limiter
	inbound, err := env.ingest.IngestInbound(ctx, InboundEvent{From: "5511944443333", Text: "preciso de ajuda"})
	require.NoError(t, err)
	reply, err := env.outbound.Send(ctx, SendRequest{ThreadID: inbound.ThreadID, Body: "claro!"})
	require.NoError(t, err)
	assert.Equal(t, SendStatusSent, reply.Status)
}

func TestSendPrimaryProviderFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.providers.Register(models.ProviderTwilio, failingLineSender{})
	line := &models.Line{Label: "Twilio", Provider: models.ProviderTwilio, IsDefault: true, RateLimitEnabled: true, RateLimitWindowSeconds: 3600, RateLimitMaxMessages: 1}
	require.NoError(t, env.store.UpsertLine(ctx, line))

	result, err := env.outbound.Send(ctx, SendRequest{Phone: "5511977776666", Body: "oi"})
	assert.Nil(t, result)
	var failed *apperrors.DispatchFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "provider unavailable", failed.LastError)

	// the failed send did not use up the line's only unit
	assert.NoError(t, env.limiter.AllowLine(ctx, line))
}

func TestNormalizeMedia(t *testing.T) {
	voice := NormalizeMedia(&MediaPayload{Type: "audio", URL: "https://cdn.example.com/a.mp3", Filename: "recado.mp3"})
	assert.Equal(t, "recado.ogg", voice.Filename)
	assert.Equal(t, voiceNoteMimetype, voice.Mimetype)
	assert.True(t, voice.PTT)

	unnamed := NormalizeMedia(&MediaPayload{Mimetype: "audio/mpeg", URL: "https://cdn.example.com/b"})
	assert.Equal(t, models.MessageTypeAudio, unnamed.Type)
	assert.Equal(t, defaultAudioName, unnamed.Filename)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	image := NormalizeMedia(&MediaPayload{Data: "data:;base64," + base64.StdEncoding.EncodeToString(png)})
	assert.Equal(t, "image/png", image.Mimetype)
	assert.Equal(t, models.MessageTypeImage, image.Type)

	assert.Nil(t, NormalizeMedia(nil))
}

func TestSendMediaThroughGateway(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(t, http.StatusOK, "m1")
	env := newTestEnv(t, gw.Instance("wpp1", 0))

	result, err := env.outbound.Send(ctx, SendRequest{
		Phone: "5511977776666",
		Media: &MediaPayload{Type: "audio", URL: "https://cdn.example.com/a.mp3"},
	})
	require.NoError(t, err)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Media)
	assert.True(t, calls[0].Media.PTT)
	assert.Equal(t, defaultAudioName, calls[0].Media.Filename)

	message := mustMessage(t, env.store, result.MessageID)
	assert.Equal(t, models.MessageTypeAudio, message.MessageType)
	assert.Equal(t, "[audio]", mustThread(t, env.store, result.ThreadID).LastMessagePreview)
}
