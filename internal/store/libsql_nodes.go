package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

const nodeColumns = `id, plan_execution_id, node_id, identifier, step_type, ambiance, status, mode,
	resolved_parameters, executable_responses, failure_info, parent_id, previous_id, next_id, notify_id,
	retry_ids, old_retry, interrupt_histories, timeout_at, started_at, ended_at, version, created_at, updated_at`

// nodeFields holds the encoded mutable columns of a node execution.
type nodeFields struct {
	ambiance, params, responses, failure, retryIDs, histories any
}

func encodeNode(ne *NodeExecution) (nodeFields, error) {
	var f nodeFields
	amb, err := json.Marshal(ne.Ambiance)
	if err != nil {
		return f, fmt.Errorf("marshal ambiance: %w", err)
	}
	f.ambiance = string(amb)
	if f.params, err = jsonText(ne.ResolvedStepParameters); err != nil {
		return f, fmt.Errorf("marshal resolved parameters: %w", err)
	}
	if len(ne.ExecutableResponses) > 0 {
		b, err := schema.MarshalExecutableResponses(ne.ExecutableResponses)
		if err != nil {
			return f, fmt.Errorf("marshal executable responses: %w", err)
		}
		f.responses = string(b)
	}
	if ne.FailureInfo != nil {
		if f.failure, err = jsonText(ne.FailureInfo); err != nil {
			return f, fmt.Errorf("marshal failure info: %w", err)
		}
	}
	if f.retryIDs, err = jsonText(ne.RetryIDs); err != nil {
		return f, fmt.Errorf("marshal retry ids: %w", err)
	}
	if f.histories, err = jsonText(ne.InterruptHistories); err != nil {
		return f, fmt.Errorf("marshal interrupt histories: %w", err)
	}
	return f, nil
}

func (s *LibSQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	f, err := encodeNode(ne)
	if err != nil {
		return err
	}
	ne.CreatedAt = timeOrNow(ne.CreatedAt)
	ne.UpdatedAt = ne.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.PlanExecutionID, ne.NodeID, nullStr(ne.Identifier), ne.StepType, f.ambiance,
		string(ne.Status), nullStr(string(ne.Mode)), f.params, f.responses, f.failure,
		nullStr(ne.ParentID), nullStr(ne.PreviousID), nullStr(ne.NextID), nullStr(ne.NotifyID),
		f.retryIDs, boolInt(ne.OldRetry), f.histories, nullMillis(ne.TimeoutAt),
		nullTime(ne.StartedAt), nullTime(ne.EndedAt), ne.Version, ne.CreatedAt, ne.UpdatedAt,
	)
	return err
}

func scanNode(row rowScanner) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var (
		identifier, mode, parentID, previousID, nextID, notifyID sql.NullString
		ambiance, status                                         string
		params, responses, failure, retryIDs, histories          sql.NullString
		timeoutAt                                                sql.NullInt64
		startedAt, endedAt                                       sql.NullTime
	)
	if err := row.Scan(&ne.ID, &ne.PlanExecutionID, &ne.NodeID, &identifier, &ne.StepType, &ambiance,
		&status, &mode, &params, &responses, &failure, &parentID, &previousID, &nextID, &notifyID,
		&retryIDs, &ne.OldRetry, &histories, &timeoutAt, &startedAt, &endedAt,
		&ne.Version, &ne.CreatedAt, &ne.UpdatedAt); err != nil {
		return nil, err
	}
	ne.Identifier = identifier.String
	ne.Status = schema.Status(status)
	ne.Mode = schema.ExecutionMode(mode.String)
	ne.ParentID = parentID.String
	ne.PreviousID = previousID.String
	ne.NextID = nextID.String
	ne.NotifyID = notifyID.String
	ne.TimeoutAt = millisOrNil(timeoutAt)
	ne.StartedAt = timeOrNil(startedAt)
	ne.EndedAt = timeOrNil(endedAt)

	if err := json.Unmarshal([]byte(ambiance), &ne.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	if err := decodeJSON(params, &ne.ResolvedStepParameters); err != nil {
		return nil, fmt.Errorf("unmarshal resolved parameters: %w", err)
	}
	if responses.Valid {
		list, err := schema.UnmarshalExecutableResponses([]byte(responses.String))
		if err != nil {
			return nil, fmt.Errorf("unmarshal executable responses: %w", err)
		}
		ne.ExecutableResponses = list
	}
	if failure.Valid {
		ne.FailureInfo = &schema.FailureInfo{}
		if err := decodeJSON(failure, ne.FailureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal failure info: %w", err)
		}
	}
	if err := decodeJSON(retryIDs, &ne.RetryIDs); err != nil {
		return nil, fmt.Errorf("unmarshal retry ids: %w", err)
	}
	if err := decodeJSON(histories, &ne.InterruptHistories); err != nil {
		return nil, fmt.Errorf("unmarshal interrupt histories: %w", err)
	}
	return ne, nil
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	ne, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM node_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	return ne, err
}

// UpdateNodeExecution writes every mutable column of ne guarded by its
// version. On success ne.Version is advanced; a concurrent writer yields an
// ErrCodeStaleVersion error and ne is left untouched.
func (s *LibSQLStore) UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	f, err := encodeNode(ne)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_executions SET
			ambiance = ?, status = ?, mode = ?, resolved_parameters = ?, executable_responses = ?,
			failure_info = ?, parent_id = ?, previous_id = ?, next_id = ?, notify_id = ?, retry_ids = ?,
			old_retry = ?, interrupt_histories = ?, timeout_at = ?, started_at = ?, ended_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		f.ambiance, string(ne.Status), nullStr(string(ne.Mode)), f.params, f.responses,
		f.failure, nullStr(ne.ParentID), nullStr(ne.PreviousID), nullStr(ne.NextID), nullStr(ne.NotifyID), f.retryIDs,
		boolInt(ne.OldRetry), f.histories, nullMillis(ne.TimeoutAt), nullTime(ne.StartedAt), nullTime(ne.EndedAt),
		now, ne.ID, ne.Version,
	)
	if err != nil {
		return err
	}
	ok, err := s.conditionalResult(ctx, res, "node_executions", "node execution", ne.ID)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeStaleVersion,
			"node execution %q changed since version %d", ne.ID, ne.Version)
	}
	ne.Version++
	ne.UpdatedAt = now
	return nil
}

// UpdateNodeStatus moves a node execution to status to when its current
// status is one of from (any status when from is empty).
func (s *LibSQLStore) UpdateNodeStatus(ctx context.Context, id string, to schema.Status, from []schema.Status) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE node_executions SET status = ?, version = version + 1, updated_at = ?`
	args := []any{string(to), now}
	if to.IsFinal() {
		query += `, ended_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		args = append(args, statusArgs(from)...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "node_executions", "node execution", id)
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	query := `SELECT ` + nodeColumns + ` FROM node_executions`
	var where []string
	var args []any
	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if filter.ExcludeOldRetry {
		where = append(where, "old_retry = 0")
	}
	if filter.TimeoutBefore != nil {
		where = append(where, "timeout_at IS NOT NULL AND timeout_at <= ?")
		args = append(args, filter.TimeoutBefore.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

// --- Outcomes ---

func (s *LibSQLStore) SaveOutcomes(ctx context.Context, planExecutionID, nodeExecutionID string, outcomes []schema.StepOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, o := range outcomes {
		data, err := jsonText(o.Data)
		if err != nil {
			return fmt.Errorf("marshal outcome %s: %w", o.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes (node_execution_id, plan_execution_id, name, grp, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(node_execution_id, name) DO UPDATE SET grp = excluded.grp, data = excluded.data`,
			nodeExecutionID, planExecutionID, o.Name, nullStr(o.Group), data, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListOutcomes(ctx context.Context, planExecutionID string) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_execution_id, node_execution_id, name, grp, data, created_at
		 FROM outcomes WHERE plan_execution_id = ? ORDER BY created_at, rowid`, planExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o := &Outcome{}
		var grp, data sql.NullString
		if err := rows.Scan(&o.PlanExecutionID, &o.NodeExecutionID, &o.Name, &grp, &data, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Group = grp.String
		if err := decodeJSON(data, &o.Data); err != nil {
			return nil, fmt.Errorf("unmarshal outcome %s: %w", o.Name, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PublishSweepingOutput records a plan-scoped output. The first write for a
// name wins; later writes report false.
func (s *LibSQLStore) PublishSweepingOutput(ctx context.Context, planExecutionID, name string, data map[string]any) (bool, error) {
	payload, err := jsonText(data)
	if err != nil {
		return false, fmt.Errorf("marshal sweeping output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sweeping_outputs (plan_execution_id, name, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(plan_execution_id, name) DO NOTHING`,
		planExecutionID, name, payload, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *LibSQLStore) GetSweepingOutput(ctx context.Context, planExecutionID, name string) (map[string]any, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sweeping_outputs WHERE plan_execution_id = ? AND name = ?`,
		planExecutionID, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sweeping output", name)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := decodeJSON(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
