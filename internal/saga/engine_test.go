package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// scriptWorkflow lets each test supply the workflow body inline.
type scriptWorkflow struct {
	run func(ctx *Context) (string, error)
}

func (w *scriptWorkflow) Run(ctx *Context) (string, error) { return w.run(ctx) }

func scriptFactory(run func(ctx *Context) (string, error)) Factory {
	return func(string, json.RawMessage) (Workflow, error) {
		return &scriptWorkflow{run: run}, nil
	}
}

// immediate retries without sleeping, for fast tests.
func immediate(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	engine, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine
}

func shutdownEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func waitDone(t *testing.T, inst *Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for instance %s", inst.ID())
	}
}

func TestEngineRunsActivitiesToCompletion(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	var executed []string
	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		if _, err := ctx.Execute("step_one", immediate(1), func(context.Context) (string, error) {
			executed = append(executed, "step_one")
			return "a", nil
		}); err != nil {
			return "", err
		}
		return ctx.Execute("step_two", immediate(1), func(context.Context) (string, error) {
			executed = append(executed, "step_two")
			return "b", nil
		})
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	result, err := inst.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result != "b" {
		t.Fatalf("unexpected result %q", result)
	}
	if len(executed) != 2 {
		t.Fatalf("unexpected executions %v", executed)
	}
}

func TestEngineRejectsDuplicateInstanceIDs(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		return "done", nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	// Terminated ids stay reserved.
	if _, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngineRetriesActivities(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	calls := 0
	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		return ctx.Execute("flaky", immediate(5), func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if result, err := inst.Result(); err != nil || result != "ok" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestEngineNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	calls := 0
	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		return ctx.Execute("strict", immediate(5), func(context.Context) (string, error) {
			calls++
			return "", NonRetryable(errors.New("bad input"))
		})
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if _, err := inst.Result(); err == nil || !IsNonRetryable(err) {
		t.Fatalf("expected non-retryable failure, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestEngineSignalsReachAwait(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		approved := false
		ctx.OnSignal("approve", func(json.RawMessage) { approved = true })
		if err := ctx.Await(func() bool { return approved }, 2*time.Second); err != nil {
			return "", err
		}
		return "approved", nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if !engine.Signal("run-1", "approve", nil) {
		t.Fatalf("signal not delivered")
	}
	waitDone(t, inst)

	if result, err := inst.Result(); err != nil || result != "approved" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}
}

func TestEngineAwaitTimeout(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		if err := ctx.Await(func() bool { return false }, 20*time.Millisecond); err != nil {
			return "", err
		}
		return "never", nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if _, err := inst.Result(); !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}
}

func TestEngineCancelDuringAwait(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		if err := ctx.Await(func() bool { return false }, time.Minute); err != nil {
			return "", err
		}
		return "never", nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if !engine.Cancel("run-1") {
		t.Fatalf("cancel rejected")
	}
	waitDone(t, inst)

	if !inst.Canceled() {
		t.Fatalf("expected cancelled instance")
	}
	if _, err := inst.Result(); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestEngineQueries(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		step := "waiting"
		ctx.OnQuery("step", func() string { return step })
		done := false
		ctx.OnSignal("finish", func(json.RawMessage) { done = true })
		if err := ctx.Await(func() bool { return done }, 2*time.Second); err != nil {
			return "", err
		}
		ctx.Update(func() { step = "finished" })
		return "done", nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		value, qerr := engine.Query("run-1", "step")
		if qerr == nil && value == "waiting" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("query never answered: %v", qerr)
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.Signal("run-1", "finish", nil)
	waitDone(t, inst)

	// Queries outlive termination.
	value, err := engine.Query("run-1", "step")
	if err != nil {
		t.Fatalf("query after termination: %v", err)
	}
	if value != "finished" {
		t.Fatalf("unexpected step %q", value)
	}

	if _, err := engine.Query("ghost", "step"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineChildSagaSuccess(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("child", scriptFactory(func(ctx *Context) (string, error) {
		return ctx.Execute("child_step", immediate(1), func(context.Context) (string, error) {
			return "TRK-1", nil
		})
	}))
	engine.RegisterWorkflow("parent", scriptFactory(func(ctx *Context) (string, error) {
		return ctx.ExecuteChild("child", "child-1", nil)
	}))

	inst, err := engine.StartWorkflow(context.Background(), "parent", "parent-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if result, err := inst.Result(); err != nil || result != "TRK-1" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}

	child, ok := engine.Get("child-1")
	if !ok {
		t.Fatalf("child not registered")
	}
	if child.IsRunning() {
		t.Fatalf("child still running")
	}
}

func TestEngineChildFailurePropagates(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("child", scriptFactory(func(ctx *Context) (string, error) {
		return "", errors.New("carrier rejected")
	}))

	var notice string
	engine.RegisterWorkflow("parent", scriptFactory(func(ctx *Context) (string, error) {
		ctx.OnSignal("child_failed", func(payload json.RawMessage) {
			_ = json.Unmarshal(payload, &notice)
		})
		return ctx.ExecuteChild("child", "child-1", nil)
	}))

	inst, err := engine.StartWorkflow(context.Background(), "parent", "parent-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	_, err = inst.Result()
	var childErr *ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("expected ChildError, got %v", err)
	}
	if childErr.InstanceID != "child-1" {
		t.Fatalf("unexpected child id %q", childErr.InstanceID)
	}
	if childErr.Err.Error() != "carrier rejected" {
		t.Fatalf("unexpected cause %v", childErr.Err)
	}
}

func TestEngineChildNoticeAppliesBeforeOutcome(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("child", scriptFactory(func(ctx *Context) (string, error) {
		ctx.SendSignal(ctx.ParentID(), "child_failed", "carrier rejected")
		return "", errors.New("carrier rejected")
	}))

	noticeAtFailure := make(chan string, 1)
	engine.RegisterWorkflow("parent", scriptFactory(func(ctx *Context) (string, error) {
		notice := ""
		ctx.OnSignal("child_failed", func(payload json.RawMessage) {
			_ = json.Unmarshal(payload, &notice)
		})
		result, err := ctx.ExecuteChild("child", "child-1", nil)
		if err != nil {
			noticeAtFailure <- notice
			return "", err
		}
		return result, nil
	}))

	inst, err := engine.StartWorkflow(context.Background(), "parent", "parent-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	select {
	case got := <-noticeAtFailure:
		if got != "carrier rejected" {
			t.Fatalf("expected notice before child outcome, got %q", got)
		}
	default:
		t.Fatalf("parent never observed the failure")
	}
}

func TestEngineWorkflowPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	engine.RegisterWorkflow("wf", scriptFactory(func(ctx *Context) (string, error) {
		panic("boom")
	}))

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if _, err := inst.Result(); err == nil {
		t.Fatalf("expected failure from panic")
	}
}

func TestEngineResumeSkipsCompletedActivities(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var executions atomic.Int32

	factory := scriptFactory(func(ctx *Context) (string, error) {
		if _, err := ctx.Execute("prepare", immediate(1), func(context.Context) (string, error) {
			executions.Add(1)
			return "prepared", nil
		}); err != nil {
			return "", err
		}

		released := false
		ctx.OnSignal("release", func(json.RawMessage) { released = true })
		if err := ctx.Await(func() bool { return released }, time.Minute); err != nil {
			return "", err
		}
		return "shipped", nil
	})

	engine := newTestEngine(t, dir)
	engine.RegisterWorkflow("wf", factory)

	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Let the activity checkpoint land before halting.
	deadline := time.Now().Add(time.Second)
	for executions.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("activity never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	shutdownEngine(t, engine)
	waitDone(t, inst)

	// A halted run records no terminal outcome; a fresh engine resumes it.
	engine2 := newTestEngine(t, dir)
	defer shutdownEngine(t, engine2)
	engine2.RegisterWorkflow("wf", factory)
	if err := engine2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	resumed, ok := engine2.Get("run-1")
	if !ok {
		t.Fatalf("instance not resumed")
	}
	if !resumed.IsRunning() {
		t.Fatalf("resumed instance should be live")
	}

	engine2.Signal("run-1", "release", nil)
	waitDone(t, resumed)

	if result, err := resumed.Result(); err != nil || result != "shipped" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}
	if got := executions.Load(); got != 1 {
		t.Fatalf("activity re-executed on resume: %d runs", got)
	}
}

func TestEngineRecoverResumesParentAndChild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	childFactory := scriptFactory(func(ctx *Context) (string, error) {
		released := false
		ctx.OnSignal("release", func(json.RawMessage) { released = true })
		if err := ctx.Await(func() bool { return released }, time.Minute); err != nil {
			return "", err
		}
		return "TRK-9", nil
	})
	parentFactory := scriptFactory(func(ctx *Context) (string, error) {
		return ctx.ExecuteChild("child", "child-1", nil)
	})

	engine := newTestEngine(t, dir)
	engine.RegisterWorkflow("child", childFactory)
	engine.RegisterWorkflow("parent", parentFactory)

	parent, err := engine.StartWorkflow(context.Background(), "parent", "parent-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Halt with the child parked on its signal and the parent blocked on the
	// child's outcome.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := engine.Get("child-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	shutdownEngine(t, engine)
	waitDone(t, parent)

	// Recover resumes the child before the parent, so the parent reattaches
	// to the live child rather than colliding with its journal.
	engine2 := newTestEngine(t, dir)
	defer shutdownEngine(t, engine2)
	engine2.RegisterWorkflow("child", childFactory)
	engine2.RegisterWorkflow("parent", parentFactory)
	if err := engine2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	resumedParent, ok := engine2.Get("parent-1")
	if !ok {
		t.Fatalf("parent not resumed")
	}
	if !engine2.Signal("child-1", "release", nil) {
		t.Fatalf("child not resumed")
	}
	waitDone(t, resumedParent)

	if result, err := resumedParent.Result(); err != nil || result != "TRK-9" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}
}

func TestEngineRecoverLoadsTerminatedInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	factory := scriptFactory(func(ctx *Context) (string, error) {
		return "done", nil
	})

	engine := newTestEngine(t, dir)
	engine.RegisterWorkflow("wf", factory)
	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)
	shutdownEngine(t, engine)

	engine2 := newTestEngine(t, dir)
	defer shutdownEngine(t, engine2)
	engine2.RegisterWorkflow("wf", factory)
	if err := engine2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	loaded, ok := engine2.Get("run-1")
	if !ok {
		t.Fatalf("terminated instance not loaded")
	}
	if loaded.IsRunning() {
		t.Fatalf("terminated instance reported running")
	}
	if result, err := loaded.Result(); err != nil || result != "done" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}

	// The id stays burned after recovery too.
	if _, err := engine2.StartWorkflow(context.Background(), "wf", "run-1", nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngineLifecycleHooks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var started, completed, failed, canceled, recovered, signals atomic.Int32
	hooks := LifecycleHooks{
		Started:   func() { started.Add(1) },
		Completed: func() { completed.Add(1) },
		Failed:    func() { failed.Add(1) },
		Canceled:  func() { canceled.Add(1) },
		Recovered: func() { recovered.Add(1) },
		Signal:    func() { signals.Add(1) },
	}

	factory := scriptFactory(func(ctx *Context) (string, error) {
		released := false
		ctx.OnSignal("go", func(json.RawMessage) { released = true })
		if err := ctx.Await(func() bool { return released }, time.Minute); err != nil {
			return "", err
		}
		return "done", nil
	})

	engine := newTestEngine(t, dir)
	engine.SetLifecycleHooks(hooks)
	engine.RegisterWorkflow("wf", factory)
	engine.RegisterWorkflow("broken", scriptFactory(func(ctx *Context) (string, error) {
		return "", errors.New("boom")
	}))

	ok, err := engine.StartWorkflow(context.Background(), "wf", "run-ok", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Signal("run-ok", "go", nil)
	waitDone(t, ok)

	bad, err := engine.StartWorkflow(context.Background(), "broken", "run-bad", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, bad)

	gone, err := engine.StartWorkflow(context.Background(), "wf", "run-gone", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Cancel("run-gone")
	waitDone(t, gone)

	// Halt one mid-await so the next boot counts a recovery.
	if _, err := engine.StartWorkflow(context.Background(), "wf", "run-halted", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	shutdownEngine(t, engine)

	if got := started.Load(); got != 4 {
		t.Fatalf("started = %d, want 4", got)
	}
	if got := completed.Load(); got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
	if got := failed.Load(); got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
	if got := canceled.Load(); got != 1 {
		t.Fatalf("canceled = %d, want 1", got)
	}
	if got := signals.Load(); got != 1 {
		t.Fatalf("signals = %d, want 1", got)
	}
	if got := recovered.Load(); got != 0 {
		t.Fatalf("recovered = %d before any recovery", got)
	}

	engine2 := newTestEngine(t, dir)
	defer shutdownEngine(t, engine2)
	engine2.SetLifecycleHooks(hooks)
	engine2.RegisterWorkflow("wf", factory)
	engine2.RegisterWorkflow("broken", scriptFactory(func(ctx *Context) (string, error) {
		return "", errors.New("boom")
	}))
	if err := engine2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := recovered.Load(); got != 1 {
		t.Fatalf("recovered = %d, want 1", got)
	}
	// Terminated journals load without firing any hook.
	if got := started.Load(); got != 4 {
		t.Fatalf("started = %d after recovery, want 4", got)
	}

	resumed, okResumed := engine2.Get("run-halted")
	if !okResumed {
		t.Fatalf("halted instance not resumed")
	}
	engine2.Signal("run-halted", "go", nil)
	waitDone(t, resumed)
	if got := completed.Load(); got != 2 {
		t.Fatalf("completed = %d after resume, want 2", got)
	}
}

func TestEngineFreshStartRefusesExistingJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	factory := scriptFactory(func(ctx *Context) (string, error) {
		return "done", nil
	})

	engine := newTestEngine(t, dir)
	engine.RegisterWorkflow("wf", factory)
	inst, err := engine.StartWorkflow(context.Background(), "wf", "run-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)
	shutdownEngine(t, engine)

	// A new engine that has not run Recover must still refuse the id instead
	// of truncating its journal.
	engine2 := newTestEngine(t, dir)
	defer shutdownEngine(t, engine2)
	engine2.RegisterWorkflow("wf", factory)
	if _, err := engine2.StartWorkflow(context.Background(), "wf", "run-1", nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	// The history survived the refused start.
	if err := engine2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	loaded, ok := engine2.Get("run-1")
	if !ok {
		t.Fatalf("journal not loaded")
	}
	if result, err := loaded.Result(); err != nil || result != "done" {
		t.Fatalf("unexpected outcome %q, %v", result, err)
	}
}

func TestEngineSignalUnknownInstance(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, t.TempDir())
	defer shutdownEngine(t, engine)

	if engine.Signal("ghost", "approve", nil) {
		t.Fatalf("expected delivery failure")
	}
	if engine.Cancel("ghost") {
		t.Fatalf("expected cancel failure")
	}
}
