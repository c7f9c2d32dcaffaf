package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的运行故障。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Component  string            `json:"component"`
	AgentID    string            `json:"agent_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Config 描述告警渠道。
type Config struct {
	Log        bool          `json:"log" yaml:"log"`
	WebhookURL string        `json:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// New 根据配置组装告警分发器。
func New(cfg Config) *FanoutDispatcher {
	var notifiers []Notifier
	if cfg.Log {
		notifiers = append(notifiers, LogNotifier{})
	}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		notifiers = append(notifiers, &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}})
	}
	return NewFanout(notifiers...)
}

// ShouldAlert 判断错误码是否被登记为需要告警。
func ShouldAlert(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return xerrors.AttributesOf(xerrors.CodeOf(err)).Alert
}

// Raise 在错误需要告警时通知 d。分发失败只记录日志。
func Raise(ctx context.Context, d Dispatcher, component, agentID string, err error) {
	if d == nil || !ShouldAlert(err) {
		return
	}
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Component:  component,
		AgentID:    agentID,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	if notifyErr := d.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		logger.L().Warn("告警发送失败",
			slog.String("component", component),
			slog.String("code", string(event.Code)),
			slog.Any("error", notifyErr),
		)
	}
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Error("运行告警",
		slog.String("component", event.Component),
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("agent_id", event.AgentID),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON 推送到兼容 Slack/钉钉 incoming webhook 的地址，
// text 字段为可读摘要，event 字段为完整事件。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("component", event.Component))
		return nil
	}
	text := fmt.Sprintf("[%s] %s %s: %s", event.Severity, event.Component, event.Code, event.Message)
	if event.AgentID != "" {
		text += fmt.Sprintf(" (agent %s)", event.AgentID)
	}
	body, err := json.Marshal(map[string]any{"text": text, "event": event})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
