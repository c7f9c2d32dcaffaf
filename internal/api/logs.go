package api

import (
	"fmt"
	"net/http"
	"strings"

	"Survival-Chain/internal/events"
	"Survival-Chain/internal/storage"
)

// controllerPreview 是广播中控制者消息的最大字符数。
const controllerPreview = 100

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.LogFilter{
		AgentID: strings.TrimSpace(query.Get("agent_id")),
		Limit:   storage.ClampLimit(queryLimit(r, 0)),
	}
	for _, raw := range query["level"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			level := storage.LogLevel(part)
			if !level.IsValid() {
				badRequest(w, r, "未知的日志级别: "+part)
				return
			}
			filter.Levels = append(filter.Levels, level)
		}
	}
	if source := strings.TrimSpace(query.Get("source")); source != "" {
		filter.Sources = []storage.LogSource{storage.LogSource(source)}
	}
	entries, err := s.deps.Store.ListLogs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(entries))
}

// messageBody 是控制者发给智能体的消息。兼容 agentId 写法。
type messageBody struct {
	AgentID      string `json:"agent_id"`
	AgentIDCamel string `json:"agentId"`
	Message      string `json:"message"`
}

func (s *Server) handleControllerMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	agentID := strings.TrimSpace(body.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(body.AgentIDCamel)
	}
	message := strings.TrimSpace(body.Message)
	if agentID == "" || message == "" {
		badRequest(w, r, "agent_id 与 message 不能为空")
		return
	}

	agent, err := s.deps.Registry.Get(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := s.deps.Registry.AppendLog(r.Context(), storage.LogEntry{
		AgentID: agent.ID,
		Level:   storage.LevelInfo,
		Source:  storage.SourceController,
		Message: message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	preview := []rune(message)
	if len(preview) > controllerPreview {
		preview = preview[:controllerPreview]
	}
	events.Emit(r.Context(), s.deps.Notifier, events.Event{
		Kind:       events.KindAgentActivity,
		AgentID:    agent.ID,
		Name:       agent.Name,
		Generation: agent.Generation,
		Summary:    fmt.Sprintf("Controller sent a message to %s: %q", agent.Name, string(preview)),
		Data:       map[string]any{"status": "controller_message"},
		OccurredAt: entry.CreatedAt,
	})
	writeJSON(w, http.StatusCreated, entry)
}
