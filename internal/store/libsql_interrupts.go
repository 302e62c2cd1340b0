package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

const interruptColumns = `id, plan_execution_id, node_execution_id, type, state, parameters, created_at, updated_at`

func (s *LibSQLStore) CreateInterrupt(ctx context.Context, in *Interrupt) error {
	params, err := jsonText(in.Parameters)
	if err != nil {
		return fmt.Errorf("marshal interrupt parameters: %w", err)
	}
	in.CreatedAt = timeOrNow(in.CreatedAt)
	in.UpdatedAt = in.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interrupts (`+interruptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.PlanExecutionID, nullStr(in.NodeExecutionID), string(in.Type), string(in.State),
		params, in.CreatedAt, in.UpdatedAt,
	)
	return err
}

func scanInterrupt(row rowScanner) (*Interrupt, error) {
	in := &Interrupt{}
	var nodeID, params sql.NullString
	var typ, state string
	if err := row.Scan(&in.ID, &in.PlanExecutionID, &nodeID, &typ, &state, &params, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.NodeExecutionID = nodeID.String
	in.Type = schema.InterruptType(typ)
	in.State = schema.InterruptState(state)
	if err := decodeJSON(params, &in.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal interrupt parameters: %w", err)
	}
	return in, nil
}

func (s *LibSQLStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	in, err := scanInterrupt(s.db.QueryRowContext(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("interrupt", id)
	}
	return in, err
}

func (s *LibSQLStore) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error) {
	query := `SELECT ` + interruptColumns + ` FROM interrupts`
	var where []string
	var args []any
	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
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

	var out []*Interrupt
	for rows.Next() {
		in, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ClaimInterrupt moves a REGISTERED interrupt to PROCESSING, but only while no
// other interrupt of the same plan execution is PROCESSING.
func (s *LibSQLStore) ClaimInterrupt(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupts SET state = ?, updated_at = ?
		 WHERE id = ? AND state = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM interrupts AS other
		     WHERE other.plan_execution_id = interrupts.plan_execution_id AND other.state = ?
		   )`,
		string(schema.InterruptProcessing), time.Now().UTC(), id,
		string(schema.InterruptRegistered), string(schema.InterruptProcessing),
	)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "interrupts", "interrupt", id)
}

func (s *LibSQLStore) TransitionInterrupt(ctx context.Context, id string, from, to schema.InterruptState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupts SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	return s.conditionalResult(ctx, res, "interrupts", "interrupt", id)
}
