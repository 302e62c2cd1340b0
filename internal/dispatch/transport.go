// Package dispatch sends task requests to external executors and feeds
// their results back into the engine.
package dispatch

import (
	"context"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// TaskRequest is the message an external executor receives. TaskID is also
// the correlation id the executor notifies when done.
type TaskRequest struct {
	TaskID          string          `json:"taskId"`
	PlanExecutionID string          `json:"planExecutionId"`
	NodeExecutionID string          `json:"nodeExecutionId"`
	Kind            string          `json:"kind"`
	Payload         map[string]any  `json:"payload,omitempty"`
	Ambiance        schema.Ambiance `json:"ambiance"`
	Deadline        time.Time       `json:"deadline"`
}

// TaskResult is an executor's answer to a TaskRequest.
type TaskResult struct {
	PlanExecutionID string              `json:"planExecutionId"`
	Response        schema.ResponseData `json:"response"`
}

// ResultHandler consumes task results.
type ResultHandler func(ctx context.Context, result TaskResult) error

// Transport moves task requests to executors.
type Transport interface {
	Name() string
	Send(ctx context.Context, req *TaskRequest) error
	// Cancel asks the executor to stop a task. It is best-effort.
	Cancel(ctx context.Context, taskID string) error
	Close() error
}

// ResultSource is implemented by transports that also carry results back.
// Consume blocks until ctx is done.
type ResultSource interface {
	Consume(ctx context.Context, handler ResultHandler) error
}
