package worker

import (
	"context"
	"testing"
	"time"
)

// A shutdown signal must not cancel handlers mid-message; the batch context
// only carries the visibility budget.
func TestBatchContextSurvivesShutdown(t *testing.T) {
	parent, stop := context.WithCancel(context.Background())
	batchCtx, cancel := batchContext(parent, 900)
	defer cancel()

	stop()
	if batchCtx.Err() != nil {
		t.Fatalf("batch context cancelled by shutdown: %v", batchCtx.Err())
	}

	deadline, ok := batchCtx.Deadline()
	if !ok {
		t.Fatal("batch context has no deadline")
	}
	want := 900*time.Second - settleMargin
	if remaining := time.Until(deadline); remaining > want || remaining < want-time.Minute {
		t.Errorf("deadline in %s, want about %s", remaining, want)
	}
}
