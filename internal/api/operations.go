package api

import (
	"log/slog"
	"net/http"
	"strings"

	"Survival-Chain/internal/auth"
	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/pkg/logger"
)

// autoApproveBody 是自动审批开关的读写结构。
type autoApproveBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetAutoApprove(w http.ResponseWriter, _ *http.Request) {
	enabled := s.deps.Workflow.Policy().AutoApprove()
	writeJSON(w, http.StatusOK, autoApproveBody{Enabled: &enabled})
}

func (s *Server) handlePutAutoApprove(w http.ResponseWriter, r *http.Request) {
	var body autoApproveBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Enabled == nil {
		badRequest(w, r, "enabled 不能为空")
		return
	}
	previous := s.deps.Workflow.Policy().SetAutoApprove(*body.Enabled)
	logger.Audit().Info("自动审批开关已更新",
		slog.Bool("previous", previous),
		slog.Bool("enabled", *body.Enabled),
		slog.String("user", username(r)),
	)
	writeJSON(w, http.StatusOK, body)
}

// cycleBody 指定要触发的智能体，为空时触发全部存活智能体。
type cycleBody struct {
	AgentID string `json:"agent_id"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleTriggerCycles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "决策周期未启用"))
		return
	}
	var body cycleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	var (
		n   int
		err error
	)
	if id := strings.TrimSpace(body.AgentID); id != "" {
		n, err = s.deps.Dispatcher.Trigger(r.Context(), id)
	} else {
		n, err = s.deps.Dispatcher.TriggerAll(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, countResponse{Count: n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Reaper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil || s.deps.Auth.Mode() == auth.ModeDisabled {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "认证未启用"))
		return
	}
	var req auth.TokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.deps.Auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "认证失败"))
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func username(r *http.Request) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Username
	}
	return defaultResolver
}
