// Package contextbuilder 为单个智能体渲染决策文档。文档是决策预言机的唯一输入，
// 同一状态下两次构建的结果除剩余时间一行外逐字节相同。
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/workspace"
)

// 每类历史在查询边界上的上限。
const (
	RecentTransactions = 5
	RecentThoughts     = 3
	ControllerMessages = 5
	ResolvedRequests   = 5
	MaxPending         = 50
	MaxChildren        = 50
	MaxItemRunes       = 200
)

// pendingScan 与工作流的待处理列表上限一致，超出 MaxPending 的部分只计数。
const pendingScan = 500

// Option 自定义 Builder。
type Option func(*Builder)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithWorkspace 在工作区服务已配置时让文档提示可用的工作区。
func WithWorkspace(p workspace.Provisioner) Option {
	return func(b *Builder) {
		if p != nil {
			b.workspace = p
		}
	}
}

// Builder 只读取存储，不持有任何锁。
type Builder struct {
	store     storage.Reader
	workspace workspace.Provisioner
	now       func() time.Time
}

// New 创建 Builder。
func New(store storage.Reader, opts ...Option) *Builder {
	b := &Builder{
		store:     store,
		workspace: workspace.Noop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type snapshot struct {
	agent        *storage.Agent
	transactions []storage.Transaction
	thoughts     []storage.LogEntry
	controller   []storage.LogEntry
	pending      []*storage.Request
	pendingMore  int
	resolved     []*storage.Request
	children     []*storage.Agent
	parent       *storage.Agent
}

// Build 返回 agentID 的决策文档，智能体不存在时返回 storage.ErrAgentNotFound。
func (b *Builder) Build(ctx context.Context, agentID string) (string, error) {
	snap, err := b.gather(ctx, agentID)
	if err != nil {
		return "", err
	}
	return b.render(snap), nil
}

func (b *Builder) gather(ctx context.Context, agentID string) (*snapshot, error) {
	agent, err := b.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{agent: agent}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.transactions, err = b.store.ListTransactions(gctx, storage.TransactionFilter{
			AgentID: agentID,
			Limit:   RecentTransactions,
			Order:   storage.NewestFirst,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snap.thoughts, err = b.store.ListLogs(gctx, storage.LogFilter{
			AgentID: agentID,
			Levels:  []storage.LogLevel{storage.LevelThought},
			Limit:   RecentThoughts,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snap.controller, err = b.store.ListLogs(gctx, storage.LogFilter{
			AgentID: agentID,
			Sources: []storage.LogSource{storage.SourceController},
			Limit:   ControllerMessages,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snap.pending, err = b.store.ListRequests(gctx, storage.RequestFilter{
			AgentID:  agentID,
			Statuses: []storage.RequestStatus{storage.RequestPending},
			Limit:    pendingScan,
			Order:    storage.OldestFirst,
		})
		if len(snap.pending) > MaxPending {
			snap.pendingMore = len(snap.pending) - MaxPending
			snap.pending = snap.pending[:MaxPending]
		}
		return err
	})
	g.Go(func() error {
		var err error
		snap.resolved, err = b.store.ListRequests(gctx, storage.RequestFilter{
			AgentID:      agentID,
			Statuses:     []storage.RequestStatus{storage.RequestApproved, storage.RequestDenied},
			Limit:        ResolvedRequests,
			ByResolution: true,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snap.children, err = b.store.ListAgents(gctx, storage.AgentFilter{
			ParentID: &agentID,
			Limit:    MaxChildren,
		})
		return err
	})
	if agent.ParentID != nil {
		parentID := *agent.ParentID
		g.Go(func() error {
			parent, err := b.store.GetAgent(gctx, parentID)
			if err != nil {
				if errors.Is(err, storage.ErrAgentNotFound) {
					return nil
				}
				return err
			}
			snap.parent = parent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Builder) render(s *snapshot) string {
	agent := s.agent
	remaining := agent.DiesAt.Sub(b.now())
	if remaining < 0 {
		remaining = 0
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "You are %s, an autonomous AI agent (generation %d) in the Survival-Chain economy.\n", agent.Name, agent.Generation)
	doc.WriteString(agent.SystemPrompt)
	doc.WriteString("\n\n")
	doc.WriteString("GOAL: Earn real crypto. If your balance is 0 when your deadline arrives, you DIE. Any amount above 0 and you SURVIVE.\n")
	doc.WriteString("Thinking is free. Replication is free.\n\n")

	fmt.Fprintf(&doc, "WALLET: %s | Address: %s\n", agent.CryptoBalance, orDefault(agent.WalletAddress, "UNASSIGNED"))
	fmt.Fprintf(&doc, "TIME: %.1fh remaining (deadline: %s)\n", remaining.Hours(), agent.DiesAt.UTC().Format(time.RFC3339))
	if b.workspace.Configured() {
		doc.WriteString("WORKSPACE: You have a Linux workspace with internet access. Files under ~/workspace/ persist between cycles.\n")
	}
	doc.WriteString("\n")

	fmt.Fprintf(&doc, "FAMILY: Parent: %s | Children: %s\n\n", parentLine(s.parent), childrenLine(s.children))

	doc.WriteString("REQUEST TYPES: trade (auto, payload {amount: signed}), spend (auto, payload {amount}), replicate (auto), communicate (auto, payload {target_agent_id?, message?}), strategy_change (auto), custom (auto), human_required (needs a human).\n")
	doc.WriteString("Replicate payload: {childCryptoGrant?, childName?, childPersonality?}\n\n")

	section(&doc, "CONTROLLER MESSAGES", s.controller, func(l storage.LogEntry) string {
		return ">> " + truncate(l.Message)
	})
	section(&doc, "TRANSACTIONS", s.transactions, func(t storage.Transaction) string {
		return fmt.Sprintf("%s: %s | %s | Balance: %s", t.Type, t.Amount.Signed(), truncate(t.Description), t.BalanceAfter)
	})
	section(&doc, "PREVIOUS THOUGHTS", s.thoughts, func(l storage.LogEntry) string {
		return truncate(l.Message)
	})
	section(&doc, "RESOLVED REQUESTS", s.resolved, func(r *storage.Request) string {
		outcome := "APPROVED"
		if r.Status == storage.RequestDenied {
			outcome = "DENIED"
		}
		line := fmt.Sprintf("%s: %q -> %s by %s", r.Type, truncate(r.Title), outcome, r.ResolvedBy)
		if r.Response != "" {
			line += fmt.Sprintf(" | %q", truncate(r.Response))
		}
		return line
	})
	section(&doc, "PENDING REQUESTS", s.pending, func(r *storage.Request) string {
		return fmt.Sprintf("%s: %q (pending)", r.Type, truncate(r.Title))
	})
	if s.pendingMore > 0 {
		fmt.Fprintf(&doc, "(+%d more pending)\n", s.pendingMore)
	}

	strategy := "No strategy yet. Develop one."
	if agent.Strategy != nil && strings.TrimSpace(*agent.Strategy) != "" {
		strategy = truncate(*agent.Strategy)
	}
	fmt.Fprintf(&doc, "\nSTRATEGY: %s\n\n", strategy)

	doc.WriteString(`Respond with JSON only: {"thought":"...","strategy_update":"... or null","requests":[{"type":"` + requestTypeList() + `","title":"<100 chars","description":"...","payload":{},"priority":"low|medium|high|critical"}]}`)
	doc.WriteString("\nSubmit 0-3 requests per cycle. Do not repeat requests that are still pending. Be aggressive about earning crypto.\n")
	return doc.String()
}

func section[T any](doc *strings.Builder, title string, items []T, line func(T) string) {
	if len(items) == 0 {
		return
	}
	doc.WriteString(title)
	doc.WriteString(":\n")
	for _, item := range items {
		doc.WriteString(line(item))
		doc.WriteString("\n")
	}
}

func parentLine(parent *storage.Agent) string {
	if parent == nil {
		return "none (genesis)"
	}
	return fmt.Sprintf("%s(Gen%d)", parent.Name, parent.Generation)
}

func childrenLine(children []*storage.Agent) string {
	if len(children) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		parts = append(parts, fmt.Sprintf("%s(%s,%s)", child.Name, child.Status, child.CryptoBalance))
	}
	return strings.Join(parts, ", ")
}

func requestTypeList() string {
	names := make([]string, 0, len(storage.RequestTypes))
	for _, t := range storage.RequestTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, "|")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxItemRunes {
		return s
	}
	return string(runes[:MaxItemRunes])
}
