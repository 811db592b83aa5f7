package execution

import (
	"context"
	"log"
	"time"
)

// traceStep records a debugging breadcrumb at an admission-pipeline stage.
// A trace failure must never affect the admission decision: this is a
// best-effort side channel, logged and swallowed on error.
func (e *Executor) traceStep(ctx context.Context, traceID, idempotencyKey, stage string, detail map[string]any) {
	if err := e.repo.InsertExecutionTrace(ctx, traceID, idempotencyKey, stage, time.Now().UnixMilli(), detail); err != nil {
		log.Printf("execution: trace step %s for %s: %v", stage, idempotencyKey, err)
	}
}
