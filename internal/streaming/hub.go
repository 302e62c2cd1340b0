// Package streaming fans plan and node status transitions out to live
// subscribers. Delivery is best effort; the event log stays the record.
package streaming

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// StreamEvent is one status transition of a plan execution or, when
// NodeExecutionID is set, of one of its node executions. Sequence is the
// event log sequence of the same transition, zero if it was not logged.
type StreamEvent struct {
	PlanExecutionID string        `json:"plan_execution_id"`
	NodeExecutionID string        `json:"node_execution_id,omitempty"`
	EventType       string        `json:"event_type"`
	Sequence        int64         `json:"sequence,omitempty"`
	From            schema.Status `json:"from,omitempty"`
	To              schema.Status `json:"to,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Concluded reports whether the transition ended its plan or node.
func (e StreamEvent) Concluded() bool { return e.To.IsFinal() }

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	PlanExecutionID string          `json:"plan_execution_id,omitempty"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	EventTypes      []string        `json:"event_types,omitempty"`
	Statuses        []schema.Status `json:"statuses,omitempty"`
	// PlanOnly drops node transitions.
	PlanOnly bool `json:"plan_only,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.PlanExecutionID != "" && f.PlanExecutionID != e.PlanExecutionID:
		return false
	case f.NodeExecutionID != "" && f.NodeExecutionID != e.NodeExecutionID:
		return false
	case f.PlanOnly && e.NodeExecutionID != "":
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.To):
		return false
	}
	return true
}

// EventHub provides pub/sub for status transitions.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
