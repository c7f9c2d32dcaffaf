// Package replicator 从父代创建子代智能体：扣减父代资金、创建子代与出生资助在父代的
// 独占区内一次性提交，工作区申请在提交之后尽力进行。
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/workspace"
	"Survival-Chain/pkg/logger"
)

// Input 是复制请求的可选参数。
type Input struct {
	ChildCryptoGrant money.Amount `json:"child_crypto_grant"`
	ChildName        string       `json:"child_name,omitempty"`
	ChildPersonality string       `json:"child_personality,omitempty"`
}

// InputFromPayload 从请求载荷解析复制参数，兼容 camelCase 与 snake_case 键。
func InputFromPayload(payload map[string]any) (Input, error) {
	var in Input
	for _, key := range []string{"childCryptoGrant", "child_crypto_grant"} {
		if raw, ok := payload[key]; ok && raw != nil {
			grant, err := money.FromAny(raw)
			if err != nil {
				return Input{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "childCryptoGrant 无法解析")
			}
			in.ChildCryptoGrant = grant
			break
		}
	}
	in.ChildName = firstString(payload, "childName", "child_name")
	in.ChildPersonality = firstString(payload, "childPersonality", "child_personality")
	return in, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Replicator 负责智能体复制。
type Replicator struct {
	registry    *registry.Registry
	ledger      *ledger.Ledger
	provisioner workspace.Provisioner
	notifier    events.Notifier
}

// New 创建 Replicator，provisioner 为 nil 时视为未配置。
func New(reg *registry.Registry, l *ledger.Ledger, provisioner workspace.Provisioner, notifier events.Notifier) *Replicator {
	if provisioner == nil {
		provisioner = workspace.Noop{}
	}
	return &Replicator{registry: reg, ledger: l, provisioner: provisioner, notifier: notifier}
}

// Birth 是已在事务中写入、尚待提交后处理的复制结果。
type Birth struct {
	Parent        *storage.Agent
	Child         *storage.Agent
	Grant         money.Amount
	ParentBalance money.Amount
}

// Replicate 从 parentID 复制出一个子代。
func (r *Replicator) Replicate(ctx context.Context, parentID string, in Input) (*storage.Agent, error) {
	var birth *Birth
	err := r.ledger.Exclusive(ctx, parentID, func(tx storage.Tx) error {
		var err error
		birth, err = r.ReplicateTx(ctx, tx, parentID, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.Complete(ctx, birth)
	return birth.Child, nil
}

// ReplicateTx 在调用方事务中扣减父代、写入子代与出生资助。调用方必须持有父代的独占区，
// 并在事务提交后调用 Complete。
func (r *Replicator) ReplicateTx(ctx context.Context, tx storage.Tx, parentID string, in Input) (*Birth, error) {
	parent, err := tx.GetAgent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == storage.AgentDead {
		return nil, ledger.ErrAgentDead
	}

	grant := in.ChildCryptoGrant
	if grant.IsNegative() {
		grant = 0
	}
	if grant.IsPositive() && grant > parent.CryptoBalance {
		return nil, insufficient(parent, grant)
	}

	w, err := r.registry.GenerateWallet()
	if err != nil {
		return nil, err
	}
	childName := strings.TrimSpace(in.ChildName)
	if childName == "" {
		childName = r.registry.ChildName(parent.Generation + 1)
	}
	prompt := strings.TrimSpace(in.ChildPersonality)
	if prompt == "" {
		prompt = parent.SystemPrompt
	}
	status := storage.AgentAlive
	if r.provisioner.Configured() {
		status = storage.AgentPending
	}

	now := r.registry.Now()
	child := &storage.Agent{
		ID:               ids.NewEntityID(),
		Name:             childName,
		Generation:       parent.Generation + 1,
		ParentID:         &parent.ID,
		Status:           status,
		BornAt:           now,
		DiesAt:           now.Add(registry.GracePeriod),
		SystemPrompt:     prompt,
		Metadata:         map[string]any{"parent_name": parent.Name},
		WalletAddress:    w.Address,
		WalletPrivateKey: w.PrivateKey,
		UpdatedAt:        now,
	}

	parentBalance := parent.CryptoBalance
	if grant.IsPositive() {
		debit, err := r.ledger.ApplyTx(ctx, tx, parent.ID, grant.Neg(), storage.TxExpense,
			fmt.Sprintf("Replication: transferred %s to child %s", grant, childName))
		if err != nil {
			return nil, err
		}
		parentBalance = debit.BalanceAfter
	}
	if err := tx.InsertAgent(ctx, child); err != nil {
		return nil, err
	}
	if grant.IsPositive() {
		if _, err := r.ledger.ApplyTx(ctx, tx, child.ID, grant, storage.TxBirthGrant,
			fmt.Sprintf("Birth grant from parent %s", parent.Name)); err != nil {
			return nil, err
		}
	}
	if _, err := r.registry.AppendLogTx(ctx, tx, storage.LogEntry{
		AgentID: parent.ID,
		Level:   storage.LevelInfo,
		Source:  storage.SourceSystem,
		Message: replicationMessage(child, grant, parentBalance),
		Metadata: map[string]any{
			"child_id":     child.ID,
			"child_name":   child.Name,
			"child_wallet": child.WalletAddress,
			"crypto_given": grant.String(),
		},
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	child.CryptoBalance = grant
	return &Birth{Parent: parent, Child: child, Grant: grant, ParentBalance: parentBalance}, nil
}

// Complete 在复制事务提交后记录审计、申请工作区并广播出生事件。
func (r *Replicator) Complete(ctx context.Context, birth *Birth) {
	if birth == nil {
		return
	}
	parent, child := birth.Parent, birth.Child
	metrics.ObserveBirth("replication")
	logger.Audit().Info("智能体复制成功",
		slog.String("parent_id", parent.ID),
		slog.String("child_id", child.ID),
		slog.String("child_name", child.Name),
		slog.Int("generation", child.Generation),
		slog.String("grant", birth.Grant.String()),
		slog.String("parent_balance", birth.ParentBalance.String()),
	)

	if r.provisioner.Configured() {
		r.provision(ctx, child)
	}

	events.Emit(ctx, r.notifier, events.Event{
		Kind:       events.KindAgentBorn,
		AgentID:    child.ID,
		Name:       child.Name,
		Generation: child.Generation,
		Summary:    fmt.Sprintf("%s was born from %s", child.Name, parent.Name),
		Data: map[string]any{
			"parent_id":   parent.ID,
			"parent_name": parent.Name,
			"grant":       birth.Grant.String(),
		},
		OccurredAt: child.BornAt,
	})
}

// provision 申请工作区并把子代推进为 alive。申请失败只记录在元数据中，子代依然存活。
func (r *Replicator) provision(ctx context.Context, child *storage.Agent) {
	log := logger.Named("replicator")
	patch := map[string]any{"workspace": "ready"}
	if err := r.provisioner.Setup(ctx, child.ID, child.Name); err != nil {
		log.Error("工作区申请失败",
			slog.String("agent_id", child.ID),
			slog.String("name", child.Name),
			slog.Any("error", err),
		)
		patch = map[string]any{"workspace": "failed", "workspace_error": err.Error()}
	}
	if err := r.registry.MergeMetadata(ctx, child.ID, patch); err != nil {
		log.Warn("记录工作区状态失败", slog.String("agent_id", child.ID), slog.Any("error", err))
	}
	if err := r.registry.Activate(ctx, child.ID); err != nil {
		// 子代保持 pending，由清理任务的滞留激活兜底。
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "激活子代失败")
		log.Error("激活子代失败",
			slog.String("agent_id", child.ID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return
	}
	child.Status = storage.AgentAlive
	for k, v := range patch {
		child.Metadata[k] = v
	}
}

func insufficient(parent *storage.Agent, grant money.Amount) error {
	return xerrors.New(ledger.CodeInsufficientFunds,
		fmt.Sprintf("余额不足以资助子代: 需要 %s，当前 %s", grant, parent.CryptoBalance),
		xerrors.WithMetadata("agent_id", parent.ID))
}

func replicationMessage(child *storage.Agent, grant, parentBalance money.Amount) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replication succeeded: child %q (Gen %d) created.", child.Name, child.Generation)
	if grant.IsPositive() {
		fmt.Fprintf(&b, " Granted %s; remaining balance %s.", grant, parentBalance)
	} else {
		b.WriteString(" No crypto grant.")
	}
	fmt.Fprintf(&b, " Child wallet: %s", child.WalletAddress)
	return b.String()
}
