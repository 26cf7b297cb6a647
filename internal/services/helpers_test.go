package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/ratelimit"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

var testStart = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store     *storage.MemoryStore
	recorder  *events.Recorder
	clock     *testClock
	registry  *GatewayRegistry
	ingest    *IngestService
	queue     *QueueService
	outbound  *OutboundService
	limiter   *ratelimit.Limiter
	providers *LineProviders
	usage     *UsageTracker
}

// newTestEnv wires the services on a memory store. Gateways are optional.
func newTestEnv(t *testing.T, gateways ...models.GatewayInstance) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	recorder := &events.Recorder{}
	clock := &testClock{now: testStart}
	log := zerolog.Nop()

	cache, err := NewLookupCache(64)
	require.NoError(t, err)

	registry := NewGatewayRegistry(gateways, "")
	identity := NewIdentityResolver("55")
	ingest := NewIngestService(store, identity, cache, recorder, DefaultIngestOptions(), log).WithClock(clock.Now)
	queue := NewQueueService(store, recorder, log).WithClock(clock.Now)

	limiter := ratelimit.New(ratelimit.NewMemoryCounter()).WithClock(clock.Now)
	providers := NewLineProviders()
	usage := NewUsageTracker(store, 24*time.Hour).WithClock(clock.Now)
	router := NewRouter(registry, NewGatewayClient(time.Second, 2*time.Second), 3, log)
	outbound := NewOutboundService(store, ingest, registry, router, usage, limiter, providers, recorder, DefaultOutboundOptions(), log).
		WithClock(clock.Now)

	return &testEnv{
		store:     store,
		recorder:  recorder,
		clock:     clock,
		registry:  registry,
		ingest:    ingest,
		queue:     queue,
		outbound:  outbound,
		limiter:   limiter,
		providers: providers,
		usage:     usage,
	}
}

// fakeGateway is an httptest alt gateway recording what it receives
type fakeGateway struct {
	server *httptest.Server
	mu     sync.Mutex
	calls  []GatewaySendRequest
	tokens []string
	status int
	nextID string
}

func newFakeGateway(t *testing.T, status int, messageID string) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{status: status, nextID: messageID}
	gw.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(gw.status)
			return
		case "/send-message":
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var body GatewaySendRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gw.mu.Lock()
		gw.calls = append(gw.calls, body)
		gw.tokens = append(gw.tokens, r.Header.Get(gatewayTokenHeader))
		gw.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(gw.status)
		if gw.status >= 300 {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "session disconnected"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": gw.nextID})
	}))
	t.Cleanup(gw.server.Close)
	return gw
}

func (g *fakeGateway) Calls() []GatewaySendRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GatewaySendRequest, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *fakeGateway) Instance(slug string, dailyLimit int) models.GatewayInstance {
	return models.GatewayInstance{
		Slug:         slug,
		Label:        slug,
		BaseURL:      g.server.URL,
		CommandToken: "token-" + slug,
		DailyLimit:   dailyLimit,
		Enabled:      true,
	}
}

func mustThread(t *testing.T, store storage.Store, id uint) *models.Thread {
	t.Helper()
	thread, err := store.GetThread(context.Background(), id)
	require.NoError(t, err)
	return thread
}

func mustMessage(t *testing.T, store storage.Store, id uint) *models.Message {
	t.Helper()
	message, err := store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return message
}

func uintPtr(v uint) *uint { return &v }

func intPtr(v int) *int { return &v }
