package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func seedBenchPlan(b *testing.B, s *LibSQLStore) string {
	b.Helper()
	id := uuid.New().String()
	if err := s.CreatePlanExecution(context.Background(), &PlanExecution{
		ID: id, Plan: testPlan(), Status: schema.StatusRunning, ValidUntil: time.Now().Add(time.Hour),
	}); err != nil {
		b.Fatal(err)
	}
	return id
}

func BenchmarkEventLog_Append(b *testing.B) {
	s, el := newBenchStore(b)
	planID := seedBenchPlan(b, s)
	ctx := context.Background()
	payload := StatusPayload{To: schema.StatusRunning}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := el.Append(ctx, planID, "n1", schema.EventNodeStatus, payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNodeExecution_Update(b *testing.B) {
	s, _ := newBenchStore(b)
	planID := seedBenchPlan(b, s)
	ctx := context.Background()
	ne := &NodeExecution{
		ID: uuid.New().String(), PlanExecutionID: planID, NodeID: "a", StepType: "noop",
		Ambiance: schema.NewAmbiance(planID, nil), Status: schema.StatusQueued,
	}
	if err := s.CreateNodeExecution(ctx, ne); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ne.ResolvedStepParameters = map[string]any{"i": fmt.Sprint(i)}
		if err := s.UpdateNodeExecution(ctx, ne); err != nil {
			b.Fatal(err)
		}
	}
}
