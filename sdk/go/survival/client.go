package survival

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. The event stream ignores it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Survival-Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("survival api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("survival api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges controller credentials for an access token and
// stores it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	var token Token
	body := map[string]string{"grant_type": "password", "username": username, "password": password}
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, body, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// ListAgents returns agents matching q.
func (c *Client) ListAgents(ctx context.Context, q AgentQuery) ([]Agent, error) {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.ParentID != "" {
		values.Set("parent_id", q.ParentID)
	}
	setLimit(values, q.Limit)
	var out list[Agent]
	err := c.send(ctx, http.MethodGet, "/api/v1/agents", values, nil, &out)
	return out.Data, err
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// CreateGenesis creates a generation-0 agent.
func (c *Client) CreateGenesis(ctx context.Context, g Genesis) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents", nil, g, &out)
	return out, err
}

// Children lists the direct descendants of an agent.
func (c *Client) Children(ctx context.Context, id string) ([]Agent, error) {
	var out list[Agent]
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id)+"/children", nil, nil, &out)
	return out.Data, err
}

// Context returns the document the agent will see in its next cycle.
func (c *Client) Context(ctx context.Context, id string) (string, error) {
	var out struct {
		Document string `json:"document"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id)+"/context", nil, nil, &out)
	return out.Document, err
}

// Transactions returns the most recent ledger entries of an agent.
func (c *Client) Transactions(ctx context.Context, id string, limit int) ([]Transaction, error) {
	values := url.Values{}
	setLimit(values, limit)
	var out list[Transaction]
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id)+"/transactions", values, nil, &out)
	return out.Data, err
}

// Replicate creates a child of the agent directly, bypassing the request workflow.
func (c *Client) Replicate(ctx context.Context, parentID string, r Replication) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(parentID)+"/replicate", nil, r, &out)
	return out, err
}

// ListRequests returns requests matching q.
func (c *Client) ListRequests(ctx context.Context, q RequestQuery) ([]Request, error) {
	values := url.Values{}
	if q.AgentID != "" {
		values.Set("agent_id", q.AgentID)
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	setLimit(values, q.Limit)
	var out list[Request]
	err := c.send(ctx, http.MethodGet, "/api/v1/requests", values, nil, &out)
	return out.Data, err
}

// SubmitRequest files a request on behalf of an agent.
func (c *Client) SubmitRequest(ctx context.Context, s RequestSubmission) (Request, error) {
	var out Request
	err := c.send(ctx, http.MethodPost, "/api/v1/requests", nil, s, &out)
	return out, err
}

// GetRequest fetches one request.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var out Request
	err := c.send(ctx, http.MethodGet, "/api/v1/requests/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// ResolveRequest approves or denies a pending request. decision is
// "approved" or "denied".
func (c *Client) ResolveRequest(ctx context.Context, id, decision, response string) (Request, error) {
	var out Request
	body := map[string]string{"decision": decision, "response": response}
	err := c.send(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(id)+"/resolve", nil, body, &out)
	return out, err
}

// ListLogs returns log entries, newest first.
func (c *Client) ListLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	values := url.Values{}
	if q.AgentID != "" {
		values.Set("agent_id", q.AgentID)
	}
	if len(q.Levels) > 0 {
		values.Set("level", strings.Join(q.Levels, ","))
	}
	if q.Source != "" {
		values.Set("source", q.Source)
	}
	setLimit(values, q.Limit)
	var out list[LogEntry]
	err := c.send(ctx, http.MethodGet, "/api/v1/logs", values, nil, &out)
	return out.Data, err
}

// SendMessage records a controller message for an agent.
func (c *Client) SendMessage(ctx context.Context, agentID, message string) (LogEntry, error) {
	var out LogEntry
	body := map[string]string{"agent_id": agentID, "message": message}
	err := c.send(ctx, http.MethodPost, "/api/v1/logs/message", nil, body, &out)
	return out, err
}

// AutoApprove reports whether requests are approved automatically.
func (c *Client) AutoApprove(ctx context.Context) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/settings/auto-approve", nil, nil, &out)
	return out.Enabled, err
}

// SetAutoApprove toggles automatic approval for future requests.
func (c *Client) SetAutoApprove(ctx context.Context, enabled bool) error {
	return c.send(ctx, http.MethodPut, "/api/v1/settings/auto-approve", nil, map[string]bool{"enabled": enabled}, nil)
}

// TriggerCycles enqueues decision cycles for one agent, or for every living
// agent when agentID is empty. It returns the number of jobs enqueued.
func (c *Client) TriggerCycles(ctx context.Context, agentID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/cycles", nil, map[string]string{"agent_id": agentID}, &out)
	return out.Count, err
}

// Sweep runs the reaper once and returns the number of agents that died.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/reaper/sweep", nil, nil, &out)
	return out.Count, err
}

// Subscribe streams lifecycle events to fn until ctx ends, the server closes
// the stream, or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func setLimit(values url.Values, limit int) {
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
