package api

import (
	"net/http"
	"strings"

	"Survival-Chain/internal/auth"
	"Survival-Chain/internal/request"
	"Survival-Chain/internal/storage"
)

// defaultResolver 是未启用认证时人工审批者的名称。
const defaultResolver = "operator"

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.RequestFilter{
		AgentID: strings.TrimSpace(query.Get("agent_id")),
		Limit:   storage.ClampLimit(queryLimit(r, 0)),
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := storage.RequestStatus(strings.TrimSpace(part))
			switch status {
			case storage.RequestPending, storage.RequestApproved, storage.RequestDenied:
				filter.Statuses = append(filter.Statuses, status)
			case "":
			default:
				badRequest(w, r, "未知的请求状态: "+string(status))
				return
			}
		}
	}
	reqs, err := s.deps.Workflow.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(reqs))
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in request.SubmitInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.deps.Workflow.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Workflow.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// resolveBody 描述人工审批。Controller 仅在未启用认证时生效。
type resolveBody struct {
	Decision   request.Decision `json:"decision"`
	Response   string           `json:"response"`
	Controller string           `json:"controller,omitempty"`
}

// resolveResponse 在副作用失败时附带错误说明，请求本身已被记录为 denied。
type resolveResponse struct {
	*storage.Request
	EffectError string `json:"effect_error,omitempty"`
}

func (s *Server) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	switch body.Decision {
	case request.Approve, request.Deny:
	default:
		badRequest(w, r, "decision 必须为 approved 或 denied")
		return
	}

	name := strings.TrimSpace(body.Controller)
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		name = subject.Username
	}
	if name == "" {
		name = defaultResolver
	}

	req, err := s.deps.Workflow.Resolve(r.Context(), r.PathValue("id"), body.Decision, request.ControllerResolver(name), body.Response)
	if req == nil {
		writeError(w, r, err)
		return
	}
	resp := resolveResponse{Request: req}
	if err != nil {
		resp.EffectError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
