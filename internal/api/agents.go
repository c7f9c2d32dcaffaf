package api

import (
	"net/http"
	"strings"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/wallet"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.AgentFilter{Limit: storage.ClampLimit(queryLimit(r, 0))}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := storage.AgentStatus(strings.TrimSpace(part))
			switch status {
			case storage.AgentPending, storage.AgentAlive, storage.AgentDead:
				filter.Statuses = append(filter.Statuses, status)
			case "":
			default:
				badRequest(w, r, "未知的智能体状态: "+string(status))
				return
			}
		}
	}
	if parent := strings.TrimSpace(query.Get("parent_id")); parent != "" {
		filter.ParentID = &parent
	}
	agents, err := s.deps.Registry.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(agents))
}

// genesisRequest 描述创建根智能体的请求体。initial_balance 为空时使用配置的创世资金。
type genesisRequest struct {
	Name           string         `json:"name"`
	SystemPrompt   string         `json:"system_prompt"`
	Strategy       *string        `json:"strategy,omitempty"`
	InitialBalance *money.Amount  `json:"initial_balance,omitempty"`
	APIBudget      money.Amount   `json:"api_budget"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateGenesis(w http.ResponseWriter, r *http.Request) {
	var req genesisRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	balance := s.deps.GenesisGrant
	if req.InitialBalance != nil {
		balance = *req.InitialBalance
	}
	agent, err := s.deps.Registry.CreateGenesis(r.Context(), registry.GenesisInput{
		Name:           req.Name,
		SystemPrompt:   req.SystemPrompt,
		Strategy:       req.Strategy,
		InitialBalance: balance,
		APIBudget:      req.APIBudget,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Registry.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	children, err := s.deps.Registry.Children(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(children))
}

// contextResponse 返回智能体下一次决策将看到的上下文文档。
type contextResponse struct {
	AgentID  string `json:"agent_id"`
	Document string `json:"document"`
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.deps.Builder.Build(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contextResponse{AgentID: id, Document: doc})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Registry.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.deps.Store.ListTransactions(r.Context(), storage.TransactionFilter{
		AgentID: id,
		Limit:   storage.ClampLimit(queryLimit(r, 0)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(txs))
}

// walletResponse 对比账本余额与链上余额。
type walletResponse struct {
	AgentID       string       `json:"agent_id"`
	Address       string       `json:"address"`
	LedgerBalance money.Amount `json:"ledger_balance"`
	OnChainWei    string       `json:"on_chain_wei"`
	OnChainEther  string       `json:"on_chain_ether"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chain == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "未配置链上查询"))
		return
	}
	agent, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	wei, err := s.deps.Chain.Balance(r.Context(), agent.WalletAddress)
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询链上余额失败"))
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		AgentID:       agent.ID,
		Address:       agent.WalletAddress,
		LedgerBalance: agent.CryptoBalance,
		OnChainWei:    wei.String(),
		OnChainEther:  wallet.FormatEther(wei),
	})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := replicator.InputFromPayload(payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	child, err := s.deps.Replicator.Replicate(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}
