package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
)

// conn 在 *sql.DB 或 *sql.Tx 上实现 storage.Tx。
type conn struct {
	q       queryer
	dialect Dialect
}

var _ storage.Tx = (*conn)(nil)

const agentColumns = `id, name, generation, parent_id, status, born_at, dies_at, crypto_balance, api_budget,
system_prompt, strategy, metadata, wallet_address, wallet_private_key, updated_at`

const requestColumns = `id, agent_id, type, title, description, payload, priority, status, resolved_by, response, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func encodeJSON(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 JSON 字段失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 JSON 字段失败")
	}
	return out, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func scanAgent(row rowScanner) (*storage.Agent, error) {
	var (
		agent    storage.Agent
		parentID sql.NullString
		strategy sql.NullString
		metadata sql.NullString
		status   string
		bornAt   int64
		diesAt   int64
		updated  int64
	)
	if err := row.Scan(&agent.ID, &agent.Name, &agent.Generation, &parentID, &status, &bornAt, &diesAt,
		&agent.CryptoBalance, &agent.APIBudget, &agent.SystemPrompt, &strategy, &metadata,
		&agent.WalletAddress, &agent.WalletPrivateKey, &updated); err != nil {
		return nil, err
	}
	agent.Status = storage.AgentStatus(status)
	agent.BornAt = fromNanos(bornAt)
	agent.DiesAt = fromNanos(diesAt)
	agent.UpdatedAt = fromNanos(updated)
	if parentID.Valid {
		agent.ParentID = &parentID.String
	}
	if strategy.Valid {
		agent.Strategy = &strategy.String
	}
	meta, err := decodeJSON(metadata)
	if err != nil {
		return nil, err
	}
	agent.Metadata = meta
	return &agent, nil
}

func (c *conn) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAgentNotFound
		}
		return nil, storageErr(err, "查询智能体")
	}
	return agent, nil
}

func (c *conn) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ParentID != nil {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, *filter.ParentID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if !filter.DiesBefore.IsZero() {
		clauses = append(clauses, "dies_at <= ?")
		args = append(args, nanos(filter.DiesBefore))
	}
	if filter.MaxBalance != nil {
		clauses = append(clauses, "crypto_balance <= ?")
		args = append(args, *filter.MaxBalance)
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY born_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询智能体列表")
	}
	defer rows.Close()

	var result []*storage.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, storageErr(err, "解析智能体")
		}
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历智能体列表")
	}
	return result, nil
}

func (c *conn) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	order := "DESC"
	if filter.Order == storage.OldestFirst {
		order = "ASC"
	}
	query := `SELECT id, agent_id, amount, type, description, balance_after, created_at FROM transactions`
	var args []any
	if filter.AgentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT ?", order, order)
	args = append(args, storage.ClampLimit(filter.Limit))

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询账本流水")
	}
	defer rows.Close()

	var result []storage.Transaction
	for rows.Next() {
		var (
			tx        storage.Transaction
			txType    string
			createdAt int64
		)
		if err := rows.Scan(&tx.ID, &tx.AgentID, &tx.Amount, &txType, &tx.Description, &tx.BalanceAfter, &createdAt); err != nil {
			return nil, storageErr(err, "解析账本流水")
		}
		tx.Type = storage.TransactionType(txType)
		tx.CreatedAt = fromNanos(createdAt)
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历账本流水")
	}
	return result, nil
}

func (c *conn) ListLogs(ctx context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Levels) > 0 {
		clauses = append(clauses, "level IN ("+placeholders(len(filter.Levels))+")")
		for _, level := range filter.Levels {
			args = append(args, string(level))
		}
	}
	if len(filter.Sources) > 0 {
		clauses = append(clauses, "source IN ("+placeholders(len(filter.Sources))+")")
		for _, source := range filter.Sources {
			args = append(args, string(source))
		}
	}
	query := `SELECT id, agent_id, level, source, message, metadata, created_at FROM agent_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, storage.ClampLimit(filter.Limit))

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询日志")
	}
	defer rows.Close()

	var result []storage.LogEntry
	for rows.Next() {
		var (
			entry     storage.LogEntry
			level     string
			source    string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &level, &source, &entry.Message, &metadata, &createdAt); err != nil {
			return nil, storageErr(err, "解析日志")
		}
		entry.Level = storage.LogLevel(level)
		entry.Source = storage.LogSource(source)
		entry.CreatedAt = fromNanos(createdAt)
		if entry.Metadata, err = decodeJSON(metadata); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历日志")
	}
	return result, nil
}

func scanRequest(row rowScanner) (*storage.Request, error) {
	var (
		req        storage.Request
		reqType    string
		priority   string
		status     string
		payload    sql.NullString
		response   sql.NullString
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.AgentID, &reqType, &req.Title, &req.Description, &payload, &priority,
		&status, &req.ResolvedBy, &response, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	req.Type = storage.RequestType(reqType)
	req.Priority = storage.Priority(priority)
	req.Status = storage.RequestStatus(status)
	req.Response = response.String
	req.CreatedAt = fromNanos(createdAt)
	if resolvedAt.Valid {
		at := fromNanos(resolvedAt.Int64)
		req.ResolvedAt = &at
	}
	decoded, err := decodeJSON(payload)
	if err != nil {
		return nil, err
	}
	req.Payload = decoded
	return &req, nil
}

func (c *conn) GetRequest(ctx context.Context, id string) (*storage.Request, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM agent_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRequestNotFound
		}
		return nil, storageErr(err, "查询请求")
	}
	return req, nil
}

func (c *conn) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*storage.Request, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := `SELECT ` + requestColumns + ` FROM agent_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	switch {
	case filter.ByResolution:
		query += " ORDER BY resolved_at DESC, created_at DESC, id DESC"
	case filter.Order == storage.OldestFirst:
		query += " ORDER BY created_at ASC, id ASC"
	default:
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ?"
	args = append(args, storage.ClampLimit(filter.Limit))

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询请求列表")
	}
	defer rows.Close()

	var result []*storage.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storageErr(err, "解析请求")
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历请求列表")
	}
	return result, nil
}

func (c *conn) InsertAgent(ctx context.Context, agent *storage.Agent) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	metadata, err := encodeJSON(agent.Metadata)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Generation, nullString(agent.ParentID), string(agent.Status),
		nanos(agent.BornAt), nanos(agent.DiesAt), agent.CryptoBalance, agent.APIBudget,
		agent.SystemPrompt, nullString(agent.Strategy), metadata,
		agent.WalletAddress, agent.WalletPrivateKey, nanos(agent.UpdatedAt))
	return storageErr(err, "写入智能体")
}

// execAffecting 执行更新语句并返回受影响行数。
func (c *conn) execAffecting(ctx context.Context, action, query string, args ...any) (int64, error) {
	result, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr(err, action)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr(err, action)
	}
	return affected, nil
}

// missOrConflict 在条件更新未命中时区分记录不存在与前置条件不满足。
func (c *conn) missOrConflict(ctx context.Context, agentID string, conflict error) error {
	if _, err := c.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return conflict
}

func (c *conn) CompareAndSetBalance(ctx context.Context, agentID string, expected, next money.Amount, at time.Time) error {
	affected, err := c.execAffecting(ctx, "更新余额",
		`UPDATE agents SET crypto_balance = ?, updated_at = ? WHERE id = ? AND crypto_balance = ?`,
		next, nanos(at), agentID, expected)
	if err != nil {
		return err
	}
	if affected == 0 {
		return c.missOrConflict(ctx, agentID, storage.ErrBalanceConflict)
	}
	return nil
}

func (c *conn) TransitionStatus(ctx context.Context, agentID string, from, to storage.AgentStatus, at time.Time) error {
	affected, err := c.execAffecting(ctx, "更新状态",
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nanos(at), agentID, string(from))
	if err != nil {
		return err
	}
	if affected == 0 {
		return c.missOrConflict(ctx, agentID, storage.ErrStatusConflict)
	}
	return nil
}

func (c *conn) UpdateStrategy(ctx context.Context, agentID string, strategy *string, at time.Time) error {
	affected, err := c.execAffecting(ctx, "更新策略",
		`UPDATE agents SET strategy = ?, updated_at = ? WHERE id = ?`,
		nullString(strategy), nanos(at), agentID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrAgentNotFound
	}
	return nil
}

func (c *conn) MergeMetadata(ctx context.Context, agentID string, patch map[string]any, at time.Time) error {
	var raw sql.NullString
	if err := c.q.QueryRowContext(ctx, `SELECT metadata FROM agents WHERE id = ?`, agentID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrAgentNotFound
		}
		return storageErr(err, "查询元数据")
	}
	current, err := decodeJSON(raw)
	if err != nil {
		return err
	}
	if current == nil {
		current = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		current[k] = v
	}
	encoded, err := encodeJSON(current)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `UPDATE agents SET metadata = ?, updated_at = ? WHERE id = ?`, encoded, nanos(at), agentID)
	return storageErr(err, "更新元数据")
}

func (c *conn) InsertTransaction(ctx context.Context, tx *storage.Transaction) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO transactions (id, agent_id, amount, type, description, balance_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AgentID, tx.Amount, string(tx.Type), tx.Description, tx.BalanceAfter, nanos(tx.CreatedAt))
	return storageErr(err, "写入账本流水")
}

func (c *conn) InsertLog(ctx context.Context, entry *storage.LogEntry) error {
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO agent_logs (id, agent_id, level, source, message, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, string(entry.Level), string(entry.Source), entry.Message, metadata, nanos(entry.CreatedAt))
	return storageErr(err, "写入日志")
}

func (c *conn) InsertRequest(ctx context.Context, req *storage.Request) error {
	payload, err := encodeJSON(req.Payload)
	if err != nil {
		return err
	}
	var resolvedAt sql.NullInt64
	if req.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: nanos(*req.ResolvedAt), Valid: true}
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO agent_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AgentID, string(req.Type), req.Title, req.Description, payload, string(req.Priority),
		string(req.Status), req.ResolvedBy, sql.NullString{String: req.Response, Valid: req.Response != ""},
		nanos(req.CreatedAt), resolvedAt)
	return storageErr(err, "写入请求")
}

func (c *conn) ResolveRequest(ctx context.Context, id string, status storage.RequestStatus, resolvedBy, response string, at time.Time) error {
	affected, err := c.execAffecting(ctx, "处理请求",
		`UPDATE agent_requests SET status = ?, resolved_by = ?, response = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), resolvedBy, response, nanos(at), id, string(storage.RequestPending))
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := c.GetRequest(ctx, id); err != nil {
			return err
		}
		return storage.ErrRequestResolved
	}
	return nil
}
