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

const waitColumns = `w.id, w.node_execution_id, w.plan_execution_id, w.callback, w.correlation_ids, w.status, w.created_at, w.updated_at`

// CreateWaitInstance stores a wait and indexes it by each correlation id.
func (s *LibSQLStore) CreateWaitInstance(ctx context.Context, wi *WaitInstance) error {
	ids, err := json.Marshal(wi.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("marshal correlation ids: %w", err)
	}
	if wi.Status == "" {
		wi.Status = WaitWaiting
	}
	wi.CreatedAt = timeOrNow(wi.CreatedAt)
	wi.UpdatedAt = wi.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wait_instances (id, node_execution_id, plan_execution_id, callback, correlation_ids, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wi.ID, wi.NodeExecutionID, wi.PlanExecutionID, string(wi.Callback), string(ids),
		string(wi.Status), wi.CreatedAt, wi.UpdatedAt,
	); err != nil {
		return err
	}
	for _, cid := range wi.CorrelationIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wait_correlations (correlation_id, wait_instance_id) VALUES (?, ?)
			 ON CONFLICT DO NOTHING`, cid, wi.ID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanWait(row rowScanner) (*WaitInstance, error) {
	wi := &WaitInstance{}
	var callback, ids, status string
	if err := row.Scan(&wi.ID, &wi.NodeExecutionID, &wi.PlanExecutionID, &callback, &ids, &status,
		&wi.CreatedAt, &wi.UpdatedAt); err != nil {
		return nil, err
	}
	wi.Callback = WaitCallback(callback)
	wi.Status = WaitStatus(status)
	if err := json.Unmarshal([]byte(ids), &wi.CorrelationIDs); err != nil {
		return nil, fmt.Errorf("unmarshal correlation ids: %w", err)
	}
	return wi, nil
}

func (s *LibSQLStore) GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error) {
	wi, err := scanWait(s.db.QueryRowContext(ctx,
		`SELECT `+waitColumns+` FROM wait_instances AS w WHERE w.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("wait instance", id)
	}
	return wi, err
}

// ListWaitInstancesByCorrelation returns the still-waiting instances that
// include correlationID.
func (s *LibSQLStore) ListWaitInstancesByCorrelation(ctx context.Context, correlationID string) ([]*WaitInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+waitColumns+` FROM wait_instances AS w
		 JOIN wait_correlations AS c ON c.wait_instance_id = w.id
		 WHERE c.correlation_id = ? AND w.status = ?
		 ORDER BY w.created_at, w.rowid`,
		correlationID, string(WaitWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WaitInstance
	for rows.Next() {
		wi, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

// ListWaitInstances returns the wait instances matching filter, oldest first.
func (s *LibSQLStore) ListWaitInstances(ctx context.Context, filter WaitInstanceFilter) ([]*WaitInstance, error) {
	query := `SELECT ` + waitColumns + ` FROM wait_instances AS w`
	var where []string
	var args []any
	if filter.NodeExecutionID != "" {
		where = append(where, "w.node_execution_id = ?")
		args = append(args, filter.NodeExecutionID)
	}
	if filter.Callback != "" {
		where = append(where, "w.callback = ?")
		args = append(args, string(filter.Callback))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "w.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.created_at, w.rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WaitInstance
	for rows.Next() {
		wi, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

// CompleteWaitInstance claims a WAITING instance. Only one caller ever sees true.
func (s *LibSQLStore) CompleteWaitInstance(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wait_instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(WaitDone), time.Now().UTC(), id, string(WaitWaiting))
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "wait_instances", "wait instance", id)
}

// MarkWaitHandled records that the callback of a DONE instance completed.
// Instances left DONE are redelivered by recovery.
func (s *LibSQLStore) MarkWaitHandled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wait_instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(WaitHandled), time.Now().UTC(), id, string(WaitDone))
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "wait_instances", "wait instance", id)
}

// SaveNotifyResponse stores the response for resp.CorrelationID. A
// correlation id is answered once; duplicates report false.
func (s *LibSQLStore) SaveNotifyResponse(ctx context.Context, planExecutionID string, resp schema.ResponseData) (bool, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("marshal notify response: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notify_responses (correlation_id, plan_execution_id, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(correlation_id) DO NOTHING`,
		resp.CorrelationID, nullStr(planExecutionID), string(payload), time.Now().UTC())
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *LibSQLStore) GetNotifyResponses(ctx context.Context, correlationIDs []string) (map[string]schema.ResponseData, error) {
	out := make(map[string]schema.ResponseData, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, payload FROM notify_responses WHERE correlation_id IN (`+placeholders(len(correlationIDs))+`)`,
		stringArgs(correlationIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, payload string
		if err := rows.Scan(&cid, &payload); err != nil {
			return nil, err
		}
		var rd schema.ResponseData
		if err := json.Unmarshal([]byte(payload), &rd); err != nil {
			return nil, fmt.Errorf("unmarshal notify response %s: %w", cid, err)
		}
		out[cid] = rd
	}
	return out, rows.Err()
}

// --- Delays ---

func (s *LibSQLStore) CreateDelay(ctx context.Context, d *Delay) error {
	d.CreatedAt = timeOrNow(d.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delays (correlation_id, plan_execution_id, fire_at, fired, created_at) VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(correlation_id) DO NOTHING`,
		d.CorrelationID, nullStr(d.PlanExecutionID), d.FireAt.UnixMilli(), d.CreatedAt)
	return err
}

func (s *LibSQLStore) ListDueDelays(ctx context.Context, now time.Time, limit int) ([]*Delay, error) {
	query := `SELECT correlation_id, plan_execution_id, fire_at, fired, created_at
		FROM delays WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delay
	for rows.Next() {
		d := &Delay{}
		var planID sql.NullString
		var fireAt int64
		if err := rows.Scan(&d.CorrelationID, &planID, &fireAt, &d.Fired, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.PlanExecutionID = planID.String
		d.FireAt = time.UnixMilli(fireAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDelayFired claims a due delay. Only one caller ever sees true.
func (s *LibSQLStore) MarkDelayFired(ctx context.Context, correlationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delays SET fired = 1 WHERE correlation_id = ? AND fired = 0`, correlationID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// --- Events ---

// AppendEvent appends an event with the next per-plan sequence number,
// computed in the same statement as the insert.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO events (plan_execution_id, node_execution_id, event_type, payload, timestamp, sequence)
		 SELECT ?, ?, ?, ?, ?, COALESCE(MAX(sequence), 0) + 1 FROM events WHERE plan_execution_id = ?
		 RETURNING id, sequence`,
		event.PlanExecutionID, nullStr(event.NodeExecutionID), event.Type, payload, event.Timestamp,
		event.PlanExecutionID,
	).Scan(&event.ID, &event.Sequence)
}

// GetEvents returns events of a plan execution with sequence > since, oldest first.
func (s *LibSQLStore) GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_execution_id, node_execution_id, event_type, payload, timestamp, sequence
		 FROM events WHERE plan_execution_id = ? AND sequence > ? ORDER BY sequence`,
		planExecutionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeExecutionID = nodeID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
