package llm

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/storage"
)

// MaxRequestsPerCycle 是每个周期约定采纳的请求数量上限。
const MaxRequestsPerCycle = 3

// CodeMalformedDecision 表示预言机输出无法解析为决策。
const CodeMalformedDecision xerrors.Code = "MALFORMED_DECISION"

func init() {
	xerrors.Register(CodeMalformedDecision, xerrors.Attributes{
		Message:    "oracle returned a malformed decision",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 502,
	})
}

// ProposedRequest 是预言机提出的一条请求。
type ProposedRequest struct {
	Type        storage.RequestType `json:"type"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Payload     map[string]any      `json:"payload,omitempty"`
	Priority    storage.Priority    `json:"priority,omitempty"`
}

// Decision 是一次预言机调用的完整输出。
type Decision struct {
	Thought        string            `json:"thought"`
	StrategyUpdate *string           `json:"strategy_update"`
	Requests       []ProposedRequest `json:"requests"`
}

// Oracle 根据上下文文档作出决策。
type Oracle interface {
	Decide(ctx context.Context, document string) (*Decision, error)
}

// OracleFunc 让普通函数满足 Oracle。
type OracleFunc func(ctx context.Context, document string) (*Decision, error)

// Decide 调用函数本身。
func (f OracleFunc) Decide(ctx context.Context, document string) (*Decision, error) {
	return f(ctx, document)
}

// ParseDecision 从模型文本中提取 JSON 决策，容忍代码块包裹与前后说明文字。
func ParseDecision(content string) (*Decision, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, xerrors.New(CodeMalformedDecision, "模型输出中没有 JSON 对象")
	}
	var decoded struct {
		Thought        string            `json:"thought"`
		StrategyUpdate json.RawMessage   `json:"strategy_update"`
		Requests       []ProposedRequest `json:"requests"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, xerrors.Wrap(CodeMalformedDecision, err, "解析决策失败")
	}
	decision := &Decision{
		Thought:  strings.TrimSpace(decoded.Thought),
		Requests: decoded.Requests,
	}
	if len(decoded.StrategyUpdate) > 0 {
		var strategy *string
		if err := json.Unmarshal(decoded.StrategyUpdate, &strategy); err != nil {
			return nil, xerrors.Wrap(CodeMalformedDecision, err, "strategy_update 必须是字符串或 null")
		}
		if strategy != nil {
			trimmed := strings.TrimSpace(*strategy)
			if trimmed != "" && !strings.EqualFold(trimmed, "null") {
				decision.StrategyUpdate = &trimmed
			}
		}
	}
	return decision, nil
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
