package survival

import "time"

// Agent mirrors the agent record returned by the API. Amounts are decimal
// strings with eight fractional digits.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Generation    int            `json:"generation"`
	ParentID      *string        `json:"parent_id,omitempty"`
	Status        string         `json:"status"`
	BornAt        time.Time      `json:"born_at"`
	DiesAt        time.Time      `json:"dies_at"`
	CryptoBalance string         `json:"crypto_balance"`
	APIBudget     string         `json:"api_budget"`
	SystemPrompt  string         `json:"system_prompt"`
	Strategy      *string        `json:"strategy,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WalletAddress string         `json:"wallet_address"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Genesis describes a root agent to create. An empty InitialBalance uses the
// server's configured genesis grant.
type Genesis struct {
	Name           string         `json:"name,omitempty"`
	SystemPrompt   string         `json:"system_prompt"`
	Strategy       *string        `json:"strategy,omitempty"`
	InitialBalance string         `json:"initial_balance,omitempty"`
	APIBudget      string         `json:"api_budget,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Replication holds the optional parameters of a replicate call.
type Replication struct {
	ChildCryptoGrant string `json:"child_crypto_grant,omitempty"`
	ChildName        string `json:"child_name,omitempty"`
	ChildPersonality string `json:"child_personality,omitempty"`
}

// Transaction is a single ledger entry.
type Transaction struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Amount       string    `json:"amount"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	BalanceAfter string    `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Request is an action proposal and its resolution.
type Request struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Response    string         `json:"response,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	// EffectError is set by ResolveRequest when an approved side effect failed
	// and the request was recorded as denied.
	EffectError string `json:"effect_error,omitempty"`
}

// RequestSubmission is the payload of SubmitRequest.
type RequestSubmission struct {
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    string         `json:"priority,omitempty"`
}

// LogEntry is an observational record.
type LogEntry struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is a lifecycle notification delivered over the event stream.
type Event struct {
	Type       string         `json:"type"`
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Generation int            `json:"generation"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// AgentQuery filters ListAgents.
type AgentQuery struct {
	Statuses []string
	ParentID string
	Limit    int
}

// RequestQuery filters ListRequests.
type RequestQuery struct {
	AgentID  string
	Statuses []string
	Limit    int
}

// LogQuery filters ListLogs.
type LogQuery struct {
	AgentID string
	Levels  []string
	Source  string
	Limit   int
}

type list[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}
