package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"conveyor/internal/observability"
	"conveyor/internal/saga"
)

type countedWorkflow struct{}

func (countedWorkflow) Run(ctx *saga.Context) (string, error) {
	approved := false
	ctx.OnSignal("approve", func(json.RawMessage) { approved = true })
	if _, err := ctx.Execute("step", saga.RetryPolicy{MaxAttempts: 1}, func(context.Context) (string, error) {
		return "ok", nil
	}); err != nil {
		return "", err
	}
	if err := ctx.Await(func() bool { return approved }, 2*time.Second); err != nil {
		return "", err
	}
	return "done", nil
}

// The metrics registry sees workflow lifecycle transitions, not just
// activity spans, when the engine is wired the way run() wires it.
func TestObserveEngineCountsWorkflowLifecycle(t *testing.T) {
	engine, err := saga.NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	metrics := observability.NewMetrics()
	observeEngine(engine, metrics)
	engine.RegisterWorkflow("wf", func(string, json.RawMessage) (saga.Workflow, error) {
		return countedWorkflow{}, nil
	})

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !engine.Signal("run-1", "approve", nil) {
		t.Fatalf("signal not delivered")
	}
	select {
	case <-inst.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for saga")
	}

	snap := metrics.Snapshot()
	if snap.TotalActivities != 1 {
		t.Fatalf("total activities = %d, want 1", snap.TotalActivities)
	}
	if snap.Workflows.Started != 1 {
		t.Fatalf("workflows started = %d, want 1", snap.Workflows.Started)
	}
	if snap.Workflows.Completed != 1 {
		t.Fatalf("workflows completed = %d, want 1", snap.Workflows.Completed)
	}
	if snap.Workflows.Signals != 1 {
		t.Fatalf("signals = %d, want 1", snap.Workflows.Signals)
	}
	if snap.Workflows.Failed != 0 || snap.Workflows.Canceled != 0 || snap.Workflows.Recovered != 0 {
		t.Fatalf("unexpected lifecycle counts: %+v", snap.Workflows)
	}
}
