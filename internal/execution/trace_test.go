package execution

import (
	"context"
	"testing"
)

func TestTraceStepRecordsStagesInOrder(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo}
	ctx := context.Background()

	e.traceStep(ctx, "trace-1", "idem-1", "received", map[string]any{"symbol": "BTCUSDT"})
	e.traceStep(ctx, "trace-1", "idem-1", "admitted", map[string]any{"qty": 1.5})

	traces, err := repo.ListExecutionTraces(ctx, "idem-1", 100)
	if err != nil {
		t.Fatalf("ListExecutionTraces: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("expected 2 trace rows, got %d: %+v", len(traces), traces)
	}
	if traces[0].Stage != "received" || traces[1].Stage != "admitted" {
		t.Fatalf("expected stages in chronological order, got %+v", traces)
	}
}

func TestListExecutionTracesIsScopedToIdempotencyKey(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo}
	ctx := context.Background()

	e.traceStep(ctx, "trace-1", "idem-a", "received", nil)
	e.traceStep(ctx, "trace-2", "idem-b", "received", nil)

	traces, err := repo.ListExecutionTraces(ctx, "idem-a", 100)
	if err != nil {
		t.Fatalf("ListExecutionTraces: %v", err)
	}
	if len(traces) != 1 || traces[0].IdempotencyKey != "idem-a" {
		t.Fatalf("expected only idem-a's trace, got %+v", traces)
	}
}
