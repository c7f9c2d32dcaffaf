package survival

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateStoresToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if body["username"] != "alice" || body["grant_type"] != "password" {
				t.Fatalf("unexpected credentials: %+v", body)
			}
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer"})
		case "/api/v1/agents":
			if got := r.Header.Get("Authorization"); got != "Bearer abc123" {
				t.Fatalf("expected bearer token, got %q", got)
			}
			if got := r.URL.Query().Get("status"); got != "alive,pending" {
				t.Fatalf("unexpected status filter %q", got)
			}
			_ = json.NewEncoder(w).Encode(list[Agent]{Data: []Agent{{ID: "a1", Name: "Alpha"}}, Total: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	if _, err := client.Authenticate(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
	agents, err := client.ListAgents(context.Background(), AgentQuery{Statuses: []string{"alive", "pending"}})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "Alpha" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = fmt.Fprint(w, `{"error":"request already resolved","code":"ALREADY_RESOLVED"}`)
	}))

	_, err := client.ResolveRequest(context.Background(), "r1", "approved", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "ALREADY_RESOLVED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestResolveRequestCarriesEffectError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/requests/r1/resolve" || r.Method != http.MethodPost {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Request{ID: "r1", Status: "denied", EffectError: "insufficient funds"})
	}))

	req, err := client.ResolveRequest(context.Background(), "r1", "approved", "ok")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Status != "denied" || req.EffectError == "" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSubscribe(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ": connected\n\n")
		_, _ = fmt.Fprint(w, "event: agent_born\ndata: {\"type\":\"agent_born\",\"agent_id\":\"a1\",\"name\":\"Beta\"}\n\n")
		_, _ = fmt.Fprint(w, "event: agent_died\ndata: {\"type\":\"agent_died\",\"agent_id\":\"a2\"}\n\n")
	}))

	var got []Event
	err := client.Subscribe(context.Background(), func(e Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 2 || got[0].Type != "agent_born" || got[0].Name != "Beta" || got[1].Type != "agent_died" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestSubscribeStopsOnCallbackError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: {\"type\":\"agent_activity\",\"agent_id\":\"a%d\"}\n\n", i)
		}
	}))

	stop := errors.New("stop")
	calls := 0
	err := client.Subscribe(context.Background(), func(Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first event, got err=%v calls=%d", err, calls)
	}
}
