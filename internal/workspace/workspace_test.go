package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	p := New(Config{})
	if p.Configured() {
		t.Fatalf("expected noop provisioner")
	}
	if err := p.Setup(context.Background(), "id", "name"); err != nil {
		t.Fatalf("noop setup failed: %v", err)
	}
}

func TestHTTPSetup(t *testing.T) {
	var body map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workspaces" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(Config{Endpoint: srv.URL + "/", Token: "secret", Image: "ubuntu", Timeout: time.Second})
	if !p.Configured() {
		t.Fatalf("expected configured provisioner")
	}
	if err := p.Setup(context.Background(), "agent-1", "Alpha-Gen1-7"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if body["agent_id"] != "agent-1" || body["name"] != "Alpha-Gen1-7" || body["image"] != "ubuntu" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestHTTPSetupPropagatesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(Config{Endpoint: srv.URL})
	if err := p.Setup(context.Background(), "agent-1", "x"); err == nil {
		t.Fatalf("expected error on 503")
	}
}
