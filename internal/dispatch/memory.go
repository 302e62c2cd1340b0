package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MemoryTransport keeps requests in process. Executors, usually tests, read
// them with Sent and answer with Complete.
type MemoryTransport struct {
	mu        sync.Mutex
	sent      []*TaskRequest
	cancelled []string
	failNext  int
	results   chan TaskResult
	closed    bool
	logger    *slog.Logger
}

// ErrTransportUnavailable is returned by MemoryTransport while failures are injected.
var ErrTransportUnavailable = errors.New("memory transport: connection refused")

func NewMemoryTransport(logger *slog.Logger) *MemoryTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTransport{results: make(chan TaskResult, 256), logger: logger}
}

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) Send(_ context.Context, req *TaskRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("memory transport: closed")
	}
	if t.failNext > 0 {
		t.failNext--
		return ErrTransportUnavailable
	}
	cp := *req
	t.sent = append(t.sent, &cp)
	return nil
}

func (t *MemoryTransport) Cancel(_ context.Context, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, taskID)
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.results)
	}
	return nil
}

// FailNext makes the next n sends fail.
func (t *MemoryTransport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

// Sent returns a copy of the requests sent so far.
func (t *MemoryTransport) Sent() []*TaskRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TaskRequest, len(t.sent))
	copy(out, t.sent)
	return out
}

// Cancelled returns the task ids cancelled so far.
func (t *MemoryTransport) Cancelled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.cancelled))
	copy(out, t.cancelled)
	return out
}

// Complete queues a result for Consume.
func (t *MemoryTransport) Complete(result TaskResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("memory transport: closed")
	}
	t.results <- result
	return nil
}

func (t *MemoryTransport) Consume(ctx context.Context, handler ResultHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-t.results:
			if !ok {
				return nil
			}
			if err := handler(ctx, r); err != nil {
				t.logger.WarnContext(ctx, "task result handler failed",
					slog.String("task_id", r.Response.CorrelationID),
					slog.String("error", err.Error()))
			}
		}
	}
}

var (
	_ Transport    = (*MemoryTransport)(nil)
	_ ResultSource = (*MemoryTransport)(nil)
)
