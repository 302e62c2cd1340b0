package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

func (s *LibSQLStore) UpsertResourceRestraint(ctx context.Context, id string, capacity int) error {
	if capacity < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "resource restraint %q: capacity must be >= 1", id)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_restraints (id, capacity, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET capacity = excluded.capacity`,
		id, capacity, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetResourceRestraint(ctx context.Context, id string) (*ResourceRestraint, error) {
	rr := &ResourceRestraint{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, capacity, created_at FROM resource_restraints WHERE id = ?`, id,
	).Scan(&rr.ID, &rr.Capacity, &rr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("resource restraint", id)
	}
	return rr, err
}

// CreateRestraintInstance inserts a claim; a second claim by the same
// consumer on the same resource is ignored and reports false.
func (s *LibSQLStore) CreateRestraintInstance(ctx context.Context, ri *RestraintInstance) (bool, error) {
	ri.CreatedAt = timeOrNow(ri.CreatedAt)
	ri.UpdatedAt = ri.CreatedAt
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO restraint_instances (`+restraintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(resource_restraint_id, consumer_id) DO NOTHING`,
		ri.ID, ri.ResourceRestraintID, ri.ConsumerID, nullStr(ri.PlanExecutionID), string(ri.State),
		ri.OrderKey, nullTime(ri.AcquiredAt), ri.CreatedAt, ri.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

const restraintColumns = `id, resource_restraint_id, consumer_id, plan_execution_id, state, order_key, acquired_at, created_at, updated_at`

func scanRestraint(row rowScanner) (*RestraintInstance, error) {
	ri := &RestraintInstance{}
	var planID sql.NullString
	var state string
	var acquiredAt sql.NullTime
	if err := row.Scan(&ri.ID, &ri.ResourceRestraintID, &ri.ConsumerID, &planID, &state,
		&ri.OrderKey, &acquiredAt, &ri.CreatedAt, &ri.UpdatedAt); err != nil {
		return nil, err
	}
	ri.PlanExecutionID = planID.String
	ri.State = schema.RestraintState(state)
	ri.AcquiredAt = timeOrNil(acquiredAt)
	return ri, nil
}

func (s *LibSQLStore) GetRestraintInstance(ctx context.Context, resourceID, consumerID string) (*RestraintInstance, error) {
	ri, err := scanRestraint(s.db.QueryRowContext(ctx,
		`SELECT `+restraintColumns+` FROM restraint_instances WHERE resource_restraint_id = ? AND consumer_id = ?`,
		resourceID, consumerID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("restraint instance", resourceID+"/"+consumerID)
	}
	return ri, err
}

func (s *LibSQLStore) ListRestraintInstances(ctx context.Context, resourceID string) ([]*RestraintInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+restraintColumns+` FROM restraint_instances WHERE resource_restraint_id = ? ORDER BY order_key`,
		resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRestraints(rows)
}

func collectRestraints(rows *sql.Rows) ([]*RestraintInstance, error) {
	var out []*RestraintInstance
	for rows.Next() {
		ri, err := scanRestraint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// PromoteRestraints activates the oldest BLOCKED instances of a resource up
// to its free capacity and returns those promoted. Instances that vanish or
// change state mid-promotion are skipped.
func (s *LibSQLStore) PromoteRestraints(ctx context.Context, resourceID string) ([]*RestraintInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var capacity int
	err = tx.QueryRowContext(ctx, `SELECT capacity FROM resource_restraints WHERE id = ?`, resourceID).Scan(&capacity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM restraint_instances WHERE resource_restraint_id = ? AND state = ?`,
		resourceID, string(schema.RestraintActive),
	).Scan(&active); err != nil {
		return nil, err
	}
	free := capacity - active
	if free <= 0 {
		return nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+restraintColumns+` FROM restraint_instances
		 WHERE resource_restraint_id = ? AND state = ? ORDER BY order_key LIMIT ?`,
		resourceID, string(schema.RestraintBlocked), free)
	if err != nil {
		return nil, err
	}
	candidates, err := collectRestraints(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var promoted []*RestraintInstance
	for _, ri := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE restraint_instances SET state = ?, acquired_at = ?, updated_at = ? WHERE id = ? AND state = ?`,
			string(schema.RestraintActive), now, now, ri.ID, string(schema.RestraintBlocked))
		if err != nil {
			return nil, err
		}
		if ok, err := affected(res); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		ri.State = schema.RestraintActive
		ri.AcquiredAt = &now
		ri.UpdatedAt = now
		promoted = append(promoted, ri)
	}
	return promoted, tx.Commit()
}

func (s *LibSQLStore) FinishRestraintInstance(ctx context.Context, resourceID, consumerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE restraint_instances SET state = ?, updated_at = ?
		 WHERE resource_restraint_id = ? AND consumer_id = ? AND state != ?`,
		string(schema.RestraintFinished), time.Now().UTC(), resourceID, consumerID, string(schema.RestraintFinished))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FinishRestraintsForPlan finishes every open claim held by a plan execution
// and returns the distinct resources that gained capacity.
func (s *LibSQLStore) FinishRestraintsForPlan(ctx context.Context, planExecutionID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT resource_restraint_id FROM restraint_instances
		 WHERE plan_execution_id = ? AND state != ? ORDER BY 1`,
		planExecutionID, string(schema.RestraintFinished))
	if err != nil {
		return nil, err
	}
	resources, err := collectStrings(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE restraint_instances SET state = ?, updated_at = ? WHERE plan_execution_id = ? AND state != ?`,
		string(schema.RestraintFinished), time.Now().UTC(), planExecutionID, string(schema.RestraintFinished),
	); err != nil {
		return nil, err
	}
	return resources, tx.Commit()
}

func (s *LibSQLStore) ListBlockedResources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT resource_restraint_id FROM restraint_instances WHERE state = ? ORDER BY 1`,
		string(schema.RestraintBlocked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
