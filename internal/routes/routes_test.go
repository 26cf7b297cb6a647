package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/handlers"
	"github.com/Ananth-NQI/wa-relay/internal/middleware"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/ratelimit"
	"github.com/Ananth-NQI/wa-relay/internal/services"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

const webhookToken = "hook-wpp1"

type relay struct {
	app      *fiber.App
	store    *storage.MemoryStore
	recorder *events.Recorder
}

func newRelay(t *testing.T) *relay {
	t.Helper()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/send-message":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"messageId":"gw-1"}`))
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(gateway.Close)

	log := zerolog.Nop()
	store := storage.NewMemoryStore()
	recorder := &events.Recorder{}

	registry := services.NewGatewayRegistry([]models.GatewayInstance{{
		Slug:         "wpp1",
		Label:        "Comercial",
		BaseURL:      gateway.URL,
		CommandToken: "cmd-wpp1",
		WebhookToken: webhookToken,
		DailyLimit:   100,
		Enabled:      true,
	}}, "wpp1")
	cache, err := services.NewLookupCache(64)
	require.NoError(t, err)
	identity := services.NewIdentityResolver("55")
	client := services.NewGatewayClient(time.Second, 2*time.Second)
	usage := services.NewUsageTracker(store, 24*time.Hour)

	ingest := services.NewIngestService(store, identity, cache, recorder, services.DefaultIngestOptions(), log)
	queue := services.NewQueueService(store, recorder, log)
	router := services.NewRouter(registry, client, 3, log)
	providers := services.NewLineProviders().Register(models.ProviderSandbox, services.SandboxSender{})
	limiter := ratelimit.New(ratelimit.NewMemoryCounter())
	outbound := services.NewOutboundService(store, ingest, registry, router, usage, limiter, providers, recorder,
		services.DefaultOutboundOptions(), log)
	summary := services.NewSummaryService(store, registry, services.NewStaticDirectory(config.Directory{}))

	app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler(log)})
	SetupRoutes(app, Handlers{
		Health:    handlers.NewHealthHandler("test", store),
		WhatsApp:  handlers.NewWhatsAppHandler(store, ingest, registry, log),
		Threads:   handlers.NewThreadHandler(summary, queue),
		Messages:  handlers.NewMessageHandler(outbound),
		Gateways:  handlers.NewGatewayHandler(services.NewGatewayStatusService(registry, usage, client)),
		Blocklist: handlers.NewBlocklistHandler(services.NewBlocklistService(store, identity, log)),
		Sandbox:   handlers.NewSandboxHandler(store, ingest, log),
	}, Options{
		Tokens: registry,
		Twilio: middleware.TwilioAuthConfig{Disabled: true},
	})

	return &relay{app: app, store: store, recorder: recorder}
}

func (r *relay) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return r.send(t, req)
}

func (r *relay) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := r.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func gatewayHeaders() map[string]string {
	return map[string]string{middleware.GatewayTokenHeader: webhookToken}
}

func inboundPayload(from, text, externalID string) fiber.Map {
	return fiber.Map{
		"from": from,
		"text": text,
		"meta": fiber.Map{
			"external_id":  externalID,
			"timestamp":    time.Now().Unix(),
			"profile_name": "Maria",
		},
	}
}

func TestGatewayConversationRoundTrip(t *testing.T) {
	r := newRelay(t)

	status, body := r.do(t, http.MethodPost, "/webhook/gateway/wpp1", inboundPayload("5511988887777", "Oi, tudo bem?", "in-1"), gatewayHeaders())
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.OutcomeCreated, body["outcome"])
	threadID := uint(body["thread_id"].(float64))

	thread, err := r.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, "alt:wpp1:5511988887777", thread.ChannelThreadID)

	status, body = r.do(t, http.MethodGet, "/api/queues/summary", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["queues"].(map[string]any)[models.QueueArrival])

	status, body = r.do(t, http.MethodGet, "/api/queues/arrival/threads", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = r.do(t, http.MethodPost, "/api/messages/send", fiber.Map{"thread_id": threadID, "body": "Tudo sim!"}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.SendStatusSent, body["status"])
	assert.Equal(t, "gw-1", body["external_message_id"])
	assert.Equal(t, "wpp1", body["gateway_slug"])

	ack := fiber.Map{"phone": "5511988887777", "meta": fiber.Map{"external_id": "gw-1", "ack": 3}}
	status, body = r.do(t, http.MethodPost, "/webhook/gateway/wpp1/ack", ack, gatewayHeaders())
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.MessageStatusRead, body["status"])

	status, body = r.do(t, http.MethodGet, "/api/threads/"+itoa(threadID)+"/messages", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "Oi, tudo bem?", messages[0].(map[string]any)["content"])

	status, body = r.do(t, http.MethodGet, "/api/gateways", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	gateways := body["gateways"].([]any)
	require.Len(t, gateways, 1)
	assert.Equal(t, float64(1), gateways[0].(map[string]any)["used"])
}

func TestGatewayWebhookRequiresToken(t *testing.T) {
	r := newRelay(t)

	status, _ := r.do(t, http.MethodPost, "/webhook/gateway/wpp1", inboundPayload("5511988887777", "oi", "in-1"), nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = r.do(t, http.MethodPost, "/webhook/gateway/wpp2", inboundPayload("5511988887777", "oi", "in-1"), gatewayHeaders())
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Empty(t, r.recorder.Types())
}

func TestOutboundLogImport(t *testing.T) {
	r := newRelay(t)

	payload := fiber.Map{
		"to":   "5511988887777",
		"text": "Mandei pelo celular",
		"meta": fiber.Map{"external_id": "phone-1", "ack": 1, "timestamp": "2026-03-02T14:00:00Z"},
	}
	status, body := r.do(t, http.MethodPost, "/webhook/gateway/wpp1/outbound", payload, gatewayHeaders())
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.OutcomeCreated, body["outcome"])

	message, err := r.store.GetMessageByExternalID(context.Background(), "phone-1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutgoing, message.Direction)
}

func TestThreadWorkflowErrors(t *testing.T) {
	r := newRelay(t)

	_, body := r.do(t, http.MethodPost, "/webhook/gateway/wpp1", inboundPayload("5511988887777", "oi", "in-1"), gatewayHeaders())
	id := itoa(uint(body["thread_id"].(float64)))

	status, body := r.do(t, http.MethodPost, "/api/threads/"+id+"/queue", fiber.Map{"queue": models.QueueScheduled}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, models.QueueArrival, body["from"])

	future := time.Now().Add(48 * time.Hour)
	status, body = r.do(t, http.MethodPost, "/api/threads/"+id+"/queue", fiber.Map{"queue": models.QueueScheduled, "scheduled_for": future}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.QueueScheduled, body["queue"])

	status, body = r.do(t, http.MethodPost, "/api/threads/"+id+"/queue", fiber.Map{"queue": models.QueueConcluidos}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, models.QueueScheduled, body["from"])

	status, _ = r.do(t, http.MethodPost, "/api/threads/"+id+"/read", nil, nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, body = r.do(t, http.MethodPost, "/api/threads/"+id+"/close", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.QueueConcluidos, body["queue"])

	status, _ = r.do(t, http.MethodPost, "/api/threads/999/close", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = r.do(t, http.MethodPost, "/api/threads/abc/close", nil, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = r.do(t, http.MethodGet, "/api/queues/inbox/threads", nil, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
}

func TestSendValidation(t *testing.T) {
	r := newRelay(t)

	status, body := r.do(t, http.MethodPost, "/api/messages/send", fiber.Map{"body": "sem destino"}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "validation failed")

	status, _ = r.do(t, http.MethodPost, "/api/messages/send", fiber.Map{"thread_id": 42, "body": "oi"}, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestBlocklistRoutes(t *testing.T) {
	r := newRelay(t)

	status, body := r.do(t, http.MethodPost, "/api/blocklist", fiber.Map{"phone": "+55 11 98888-7777", "reason": "spam"}, nil)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "5511988887777", body["phone"])

	status, body = r.do(t, http.MethodPost, "/webhook/gateway/wpp1", inboundPayload("5511988887777", "oi", "in-1"), gatewayHeaders())
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.OutcomeBlocked, body["outcome"])

	status, _ = r.do(t, http.MethodPost, "/api/messages/send", fiber.Map{"phone": "5511988887777", "body": "oi"}, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = r.do(t, http.MethodGet, "/api/blocklist", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["blocked"], 1)

	status, _ = r.do(t, http.MethodDelete, "/api/blocklist/5511988887777", nil, nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, _ = r.do(t, http.MethodDelete, "/api/blocklist/5511988887777", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestTwilioWebhook(t *testing.T) {
	r := newRelay(t)
	require.NoError(t, r.store.UpsertLine(context.Background(), &models.Line{
		Label:     "Principal",
		Provider:  models.ProviderSandbox,
		SenderID:  "whatsapp:+5511900001111",
		IsDefault: true,
	}))

	form := url.Values{
		"MessageSid":  {"SM100"},
		"From":        {"whatsapp:+5511977776666"},
		"To":          {"whatsapp:+5511900001111"},
		"Body":        {"Quero um orçamento"},
		"ProfileName": {"João"},
		"NumMedia":    {"0"},
	}
	status, _ := r.send(t, twilioRequest(form))
	require.Equal(t, fiber.StatusOK, status)

	message, err := r.store.GetMessageByExternalID(context.Background(), "SM100")
	require.NoError(t, err)
	thread, err := r.store.GetThread(context.Background(), message.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "contact:5511977776666", thread.ChannelThreadID)
	require.NotNil(t, thread.LineID)

	callback := url.Values{"MessageSid": {"SM-unknown"}, "MessageStatus": {"delivered"}, "To": {"whatsapp:+5511977776666"}}
	status, body := r.send(t, twilioRequest(callback))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.AckMessageNotFound, body["warning"])
}

func TestSandboxInbound(t *testing.T) {
	r := newRelay(t)

	status, _ := r.do(t, http.MethodPost, "/api/sandbox/inbound", fiber.Map{"from": "5511966665555", "text": "teste"}, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	require.NoError(t, r.store.UpsertLine(context.Background(), &models.Line{Label: "Sandbox", Provider: models.ProviderSandbox}))
	status, body := r.do(t, http.MethodPost, "/api/sandbox/inbound", fiber.Map{"from": "5511966665555", "text": "teste"}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, services.OutcomeCreated, body["outcome"])
}

func TestHealthAndFallback(t *testing.T) {
	r := newRelay(t)

	status, body := r.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "OK", body["status"])

	status, _ = r.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = r.do(t, http.MethodGet, "/api/nope", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func twilioRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
