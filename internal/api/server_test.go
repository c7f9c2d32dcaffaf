package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Survival-Chain/internal/auth"
	"Survival-Chain/internal/contextbuilder"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/reaper"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/request"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
)

type testEnv struct {
	handler http.Handler
	store   *memory.Store
	hub     *events.Hub
}

func newTestEnv(t *testing.T, authSvc *auth.Service) *testEnv {
	t.Helper()
	store := memory.NewStore()
	hub := events.NewHub(16)
	l := ledger.New(store)
	reg := registry.New(store, l, registry.WithNotifier(hub))
	rep := replicator.New(reg, l, nil, hub)
	workflow := request.New(store, reg, l, rep, request.NewPolicy(false), request.WithNotifier(hub))
	server := NewServer(":0", Deps{
		Store:        store,
		Registry:     reg,
		Replicator:   rep,
		Workflow:     workflow,
		Builder:      contextbuilder.New(store),
		Reaper:       reaper.New(reg, l, hub),
		Hub:          hub,
		Notifier:     hub,
		Auth:         authSvc,
		GenesisGrant: money.MustParse("1"),
	})
	return &testEnv{handler: server.Handler(), store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) genesis(t *testing.T, name string) storage.Agent {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":          name,
		"system_prompt": "Survive.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create genesis: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[storage.Agent](t, rec)
}

func TestAgentsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha := env.genesis(t, "Alpha")
	if alpha.CryptoBalance != money.MustParse("1") {
		t.Fatalf("expected genesis grant of 1, got %s", alpha.CryptoBalance)
	}
	if alpha.Status != storage.AgentAlive {
		t.Fatalf("unexpected status %s", alpha.Status)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents?status=alive", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents: %d", rec.Code)
	}
	listed := decode[listResponse[storage.Agent]](t, rec)
	if listed.Total != 1 || listed.Data[0].ID != alpha.ID {
		t.Fatalf("unexpected agents: %+v", listed)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+alpha.ID+"/transactions", nil)
	txs := decode[listResponse[storage.Transaction]](t, rec)
	if txs.Total != 1 || txs.Data[0].Type != storage.TxIncome {
		t.Fatalf("unexpected transactions: %+v", txs)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+alpha.ID+"/context", nil)
	doc := decode[contextResponse](t, rec)
	if !strings.Contains(doc.Document, "You are Alpha") {
		t.Fatalf("context document missing identity: %s", doc.Document)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/agents/"+alpha.ID+"/replicate", map[string]any{
		"childCryptoGrant": "0.4",
		"childName":        "Beta",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("replicate: status %d body %s", rec.Code, rec.Body.String())
	}
	child := decode[storage.Agent](t, rec)
	if child.Name != "Beta" || child.Generation != 1 {
		t.Fatalf("unexpected child: %+v", child)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+alpha.ID+"/children", nil)
	if children := decode[listResponse[storage.Agent]](t, rec); children.Total != 1 {
		t.Fatalf("expected one child, got %d", children.Total)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "unknown agent", method: http.MethodGet, path: "/api/v1/agents/missing", status: http.StatusNotFound},
		{name: "bad status filter", method: http.MethodGet, path: "/api/v1/agents?status=zombie", status: http.StatusBadRequest},
		{name: "genesis without prompt", method: http.MethodPost, path: "/api/v1/agents", body: map[string]any{"name": "x"}, status: http.StatusBadRequest},
		{name: "invalid request type", method: http.MethodPost, path: "/api/v1/requests", body: map[string]any{"agent_id": "a", "type": "teleport", "title": "x"}, status: http.StatusBadRequest},
		{name: "unknown request", method: http.MethodGet, path: "/api/v1/requests/missing", status: http.StatusNotFound},
		{name: "cycles disabled", method: http.MethodPost, path: "/api/v1/cycles", status: http.StatusServiceUnavailable},
		{name: "wallet lookup disabled", method: http.MethodGet, path: "/api/v1/agents/x/wallet", status: http.StatusServiceUnavailable},
		{name: "token without auth", method: http.MethodPost, path: "/api/v1/auth/token", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha := env.genesis(t, "Alpha")

	rec := env.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"agent_id": alpha.ID,
		"type":     "spend",
		"title":    "Buy compute",
		"payload":  map[string]any{"amount": "0.25"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}
	submitted := decode[storage.Request](t, rec)
	if submitted.Status != storage.RequestPending {
		t.Fatalf("expected pending, got %s", submitted.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", map[string]any{
		"decision": "approved",
		"response": "go ahead",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", rec.Code, rec.Body.String())
	}
	resolved := decode[storage.Request](t, rec)
	if resolved.Status != storage.RequestApproved || resolved.ResolvedBy != "controller:operator" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	agent, err := env.store.GetAgent(context.Background(), alpha.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.CryptoBalance != money.MustParse("0.75") {
		t.Fatalf("expected balance 0.75, got %s", agent.CryptoBalance)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", map[string]any{"decision": "denied"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict on second resolve, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", map[string]any{"decision": "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown decision, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/requests?agent_id="+alpha.ID+"&status=approved", nil)
	if reqs := decode[listResponse[storage.Request]](t, rec); reqs.Total != 1 {
		t.Fatalf("expected one approved request, got %d", reqs.Total)
	}
}

func TestSideEffectFailureIsReported(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha := env.genesis(t, "Alpha")

	rec := env.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"agent_id": alpha.ID,
		"type":     "spend",
		"title":    "Too much",
		"payload":  map[string]any{"amount": 5},
	})
	submitted := decode[storage.Request](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", map[string]any{"decision": "approved"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status %d", rec.Code)
	}
	got := decode[resolveResponse](t, rec)
	if got.Status != storage.RequestDenied || got.EffectError == "" {
		t.Fatalf("expected denied request with effect error, got %+v", got)
	}
}

func TestAutoApproveSetting(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPut, "/api/v1/settings/auto-approve", map[string]any{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("put setting: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/settings/auto-approve", nil)
	got := decode[autoApproveBody](t, rec)
	if got.Enabled == nil || !*got.Enabled {
		t.Fatalf("expected auto-approve enabled, got %+v", got)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/settings/auto-approve", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing flag, got %d", rec.Code)
	}
}

func TestControllerMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha := env.genesis(t, "Alpha")

	rec := env.do(t, http.MethodPost, "/api/v1/logs/message", map[string]any{"agentId": alpha.ID, "message": "Focus on trading"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send message: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/logs?agent_id="+alpha.ID+"&source=controller", nil)
	logs := decode[listResponse[storage.LogEntry]](t, rec)
	if logs.Total != 1 || logs.Data[0].Message != "Focus on trading" || logs.Data[0].Source != storage.SourceController {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+alpha.ID+"/context", nil)
	if doc := decode[contextResponse](t, rec); !strings.Contains(doc.Document, ">> Focus on trading") {
		t.Fatalf("controller message missing from context: %s", doc.Document)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/logs/message", map[string]any{"agent_id": alpha.ID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/logs?level=loud", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown level, got %d", rec.Code)
	}
}

func TestReaperSweepEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/reaper/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: %d", rec.Code)
	}
	if got := decode[countResponse](t, rec); got.Count != 0 {
		t.Fatalf("expected nothing reaped, got %d", got.Count)
	}
}

func TestAuthenticatedResolve(t *testing.T) {
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "secret", AccessTTL: time.Minute},
		Controllers: []auth.Seed{
			{Username: "alice", Password: "pw", Permissions: []string{"*"}},
			{Username: "viewer", Password: "pw", Permissions: []string{auth.PermAgentsRead}},
		},
	}, auth.NewMemoryStore())
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	env := newTestEnv(t, svc)

	token := func(user string) string {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: user, Password: "pw"})
		if rec.Code != http.StatusOK {
			t.Fatalf("token for %s: %d", user, rec.Code)
		}
		return "Bearer " + decode[auth.TokenPair](t, rec).AccessToken
	}
	admin := token("alice")
	viewer := token("viewer")

	if rec := env.do(t, http.MethodGet, "/api/v1/agents", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"system_prompt": "x"}, "Authorization", viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"system_prompt": "Survive."}, "Authorization", admin)
	alpha := decode[storage.Agent](t, rec)
	rec = env.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"agent_id": alpha.ID, "type": "custom", "title": "Say hi",
	}, "Authorization", admin)
	submitted := decode[storage.Request](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/"+submitted.ID+"/resolve", map[string]any{
		"decision": "approved", "controller": "mallory",
	}, "Authorization", admin)
	if got := decode[storage.Request](t, rec); got.ResolvedBy != "controller:alice" {
		t.Fatalf("expected resolver from token, got %q", got.ResolvedBy)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	alpha := env.genesis(t, "Alpha")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("unexpected preamble %q", line)
	}

	env.do(t, http.MethodPost, "/api/v1/logs/message", map[string]any{"agent_id": alpha.ID, "message": "hello"})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: agent_activity") {
			data, _ := reader.ReadString('\n')
			if !strings.Contains(data, "controller_message") {
				t.Fatalf("unexpected event data %q", data)
			}
			return
		}
	}
}
