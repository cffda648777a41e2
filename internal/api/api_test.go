package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dccp/internal/bridge"
	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/middleware"
	"github.com/ocx/dccp/internal/orchestrator"
	"github.com/ocx/dccp/internal/registry"
)

type stubRouter struct {
	mu      sync.Mutex
	packets []*compiler.Packet
}

func (r *stubRouter) Route(_ context.Context, p *compiler.Packet) *orchestrator.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
	return &orchestrator.ExecutionResult{Success: true, PacketID: p.ID(), AdapterID: "A", NodeID: "n"}
}

func (r *stubRouter) Stats() orchestrator.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return orchestrator.Stats{Routed: uint64(len(r.packets))}
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	reg     *registry.Registry
	router  *stubRouter
	bridge  *bridge.Bridge
	cfg     *config.Manager
	bus     *events.LocalBus
	root    string
}

func newTestEnv(t *testing.T, limiter *middleware.RateLimiter) *testEnv {
	t.Helper()
	root := t.TempDir()
	b, err := bridge.New(bridge.Config{Root: root, AllowedExtensions: []string{".ts", ".json", ".txt"}})
	require.NoError(t, err)

	env := &testEnv{
		reg:    registry.New(),
		router: &stubRouter{},
		bridge: b,
		cfg:    config.NewManager(config.Default()),
		bus:    events.NewLocalBus(),
		root:   root,
	}
	srv, err := NewServer(Deps{
		Registry:    env.reg,
		Router:      env.router,
		Bridge:      b,
		Config:      env.cfg,
		Bus:         env.bus,
		Gatherer:    prometheus.NewRegistry(),
		RateLimiter: limiter,
	})
	require.NoError(t, err)
	env.srv = srv
	env.handler = srv.Handler()
	t.Cleanup(func() {
		srv.Close()
		_ = env.bus.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(v))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitIntent(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/intents", IntentRequest{
		Intent: "build a landing page", Tier: "highest", TargetPath: "index.html", Zone: "production",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, env.router.packets, 1)
	p := env.router.packets[0]
	assert.Equal(t, core.LimitAutoEvolve, p.GenerationLimit())
	assert.Equal(t, "index.html", p.TargetPath())
	assert.Equal(t, core.ZoneProduction, p.Zone())

	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, string(body["result"]), `"success":true`)
	assert.Contains(t, string(body["packet"]), p.ID())
}

func TestSubmitIntentRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/intents", "{").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/intents", IntentRequest{Intent: "  "}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/intents", IntentRequest{Intent: "x", Tier: "v9"}).Code)
	assert.Empty(t, env.router.packets)
}

func TestSubmitIntentRateLimited(t *testing.T) {
	env := newTestEnv(t, middleware.NewRateLimiter(1))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/intents", IntentRequest{Intent: "one"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/api/v1/intents", IntentRequest{Intent: "two"}).Code)
}

func TestCompilePacket(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/packets/compile", IntentRequest{Intent: "same", Tier: "v1.5"})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[compiler.Summary](t, rec)
	second := decode[compiler.Summary](t, env.do(t, http.MethodPost, "/api/v1/packets/compile", IntentRequest{Intent: "same", Tier: "v1.5"}))

	assert.Equal(t, core.LimitStrictContext, first.GenerationLimit)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, env.router.packets, "compile does not route")
}

func TestAudit(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/audit", map[string]string{"content": "rm -rf / --no-preserve-root"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, false, body["passed"])

	rec = env.do(t, http.MethodPost, "/api/v1/audit", map[string]string{"content": "const x = 1;"})
	body = decode[map[string]any](t, rec)
	assert.Equal(t, true, body["passed"])
	assert.Equal(t, float64(100), body["risk_score"])

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/audit", map[string]string{}).Code)
}

func TestNodeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/nodes", NodeRequest{
		ID: "n1", Provider: "google", Tier: "v2.0", Capabilities: []string{"text_generation", "JSON_MODE"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	node := decode[registry.Node](t, rec)
	assert.Equal(t, core.ProviderGoogle, node.Provider)
	assert.Equal(t, 75, node.Score)
	assert.True(t, node.HasCapability(core.CapJSONMode))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/nodes", NodeRequest{ID: "bad", Tier: "v7"}).Code)

	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/nodes", nil))
	assert.Equal(t, float64(1), list["count"])
	list = decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/nodes?tier=mid&sovereign=true", nil))
	assert.Equal(t, float64(1), list["count"])
	list = decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/nodes?provider=openai", nil))
	assert.Equal(t, float64(0), list["count"])

	rec = env.do(t, http.MethodPut, "/api/v1/nodes/n1/status", map[string]string{"status": "dormant"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StatusDormant, decode[registry.Node](t, rec).Status)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/api/v1/nodes/n1/status", map[string]string{"status": "asleep"}).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/nodes/n1/heartbeat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.StatusActive, decode[registry.Node](t, rec).Status)

	stats := decode[registry.Stats](t, env.do(t, http.MethodGet, "/api/v1/nodes/stats", nil))
	assert.Equal(t, 1, stats.ActiveNodes)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/nodes/n1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/nodes/n1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/nodes/n1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/nodes/n1/heartbeat", nil).Code)
}

func TestHandshakeRanksNodes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.Register(registry.NodeConfig{ID: "plain", Tier: core.TierMid, Capabilities: []core.Capability{core.CapTextGeneration}})
	env.reg.Register(registry.NodeConfig{ID: "json", Tier: core.TierMid,
		Capabilities: []core.Capability{core.CapTextGeneration, core.CapJSONMode, core.CapAutoEvolve}})

	rec := env.do(t, http.MethodPost, "/api/v1/handshake", IntentRequest{Intent: "emit a report", Tier: "mid"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HandshakeResponse](t, rec)
	require.Len(t, resp.Ranked, 2)
	assert.Equal(t, "json", resp.Ranked[0].Node.ID)
	assert.True(t, resp.Ranked[0].Result.Authorized)
	assert.False(t, resp.Ranked[1].Result.Authorized)
}

func TestIngestEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/ingest", bridge.Payload{FilePath: "src/app.ts", Content: "export {}"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data, err := os.ReadFile(filepath.Join(env.root, "src", "app.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(data))

	rec = env.do(t, http.MethodPost, "/api/v1/ingest", bridge.Payload{FilePath: "../escape.ts", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/ingest/batch", map[string]any{"files": []bridge.Payload{
		{FilePath: "ok.json", Content: "{}"},
		{FilePath: "../../etc/passwd.txt", Content: "x"},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[batchResponse](t, rec)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, bridge.StatusSuccess, batch.Results[0].Status)
	assert.Equal(t, bridge.StatusError, batch.Results[1].Status)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/ingest/batch", map[string]any{"files": []any{}}).Code)
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/v1/ingest", bridge.Payload{FilePath: "notes.txt", Content: "v1"})
	env.do(t, http.MethodPost, "/api/v1/ingest", bridge.Payload{FilePath: "notes.txt", Content: "v2", Backup: true})

	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/backups", nil))
	assert.Equal(t, float64(1), list["count"])

	rec := env.do(t, http.MethodPost, "/api/v1/backups/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["removed"])
}

func TestRouterConfigUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	var seen config.RouterConfig
	env.cfg.OnRouterChange(func(rc config.RouterConfig) { seen = rc })

	rec := env.do(t, http.MethodPut, "/api/v1/router/config", `{"enable_audit":false,"max_retries":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rc := decode[config.RouterConfig](t, rec)
	assert.False(t, rc.EnableAudit)
	assert.Equal(t, 1, rc.MaxRetries)
	assert.True(t, rc.EnableAutoSwitch)
	assert.Equal(t, rc, seen)

	rec = env.do(t, http.MethodPut, "/api/v1/router/config", `{"timeout_ms":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 30000, env.cfg.Router().TimeoutMs)

	stats := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/router/stats", nil))
	assert.Contains(t, stats, "config")

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/breakers", nil).Code)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestStreamDeliversEventsAndCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reg.Register(registry.NodeConfig{ID: "n1", Tier: core.TierMid})

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	snapshot := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(events.TypeNodesSnapshot) })
	assert.Len(t, snapshot["payload"], 1)
	assert.Eventually(t, func() bool { return env.srv.Stream().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgNodeCommand, Command: CmdOffline, NodeID: "n1"}))
	ack := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(events.TypeCommandReceived) && m["applied"] != nil
	})
	assert.Equal(t, true, ack["applied"])
	node, _ := env.reg.Get("n1")
	assert.Equal(t, core.StatusOffline, node.Status)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgNodeCommand, Command: CmdHeartbeat, NodeID: "ghost"}))
	nack := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(events.TypeCommandReceived) && m["node_id"] == "ghost"
	})
	assert.Equal(t, false, nack["applied"])

	require.NoError(t, env.bus.Publish(context.Background(), events.NewAlert("test", "", events.AlertWarning, "disk nearly full")))
	alert := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(events.TypeAlert) })
	payload := alert["payload"].(map[string]any)
	assert.Equal(t, "disk nearly full", payload["message"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	errMsg := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == "error" })
	assert.Contains(t, errMsg["error"], "bogus")
}
