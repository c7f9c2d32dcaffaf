package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/storage"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestDecideSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		content := "```json\n" + `{"thought":"need income","strategy_update":"sell data","requests":[{"type":"trade","title":"Sell dataset","payload":{"amount":"1.5"},"priority":"high"}]}` + "\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second, JSONMode: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	decision, err := client.Decide(context.Background(), "You are Alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decision.Thought != "need income" {
		t.Fatalf("unexpected thought: %q", decision.Thought)
	}
	if decision.StrategyUpdate == nil || *decision.StrategyUpdate != "sell data" {
		t.Fatalf("unexpected strategy update: %v", decision.StrategyUpdate)
	}
	if len(decision.Requests) != 1 || decision.Requests[0].Type != storage.RequestTrade {
		t.Fatalf("unexpected requests: %+v", decision.Requests)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	if captured.Body["response_format"] == nil {
		t.Fatalf("json mode should request response_format")
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestDecideHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Decide(context.Background(), "doc")
	if err == nil {
		t.Fatalf("expected error when http status is not success")
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeUpstreamFailure, "")) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}
