package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Context is handed to a workflow body. It is bound to the single goroutine
// executing the instance; none of its methods may be called from elsewhere.
// Suspension points (Execute, Await, ExecuteChild) drain buffered signals
// first, checkpoint their outcome to the journal, and return recorded
// outcomes without re-running side effects when the instance is replaying.
type Context struct {
	inst *Instance
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string { return c.inst.id }

// ParentID returns the id of the parent instance, or "" for a root saga.
func (c *Context) ParentID() string { return c.inst.parent }

// Logger returns a logger scoped to this instance.
func (c *Context) Logger() *zap.Logger { return c.inst.logger }

// OnSignal registers a handler applied, under the instance lock, when a
// signal with this name is observed at a suspension point.
func (c *Context) OnSignal(name string, handler func(payload json.RawMessage)) {
	c.inst.mu.Lock()
	c.inst.signalHandlers[name] = handler
	c.inst.mu.Unlock()
}

// OnQuery registers a read-only accessor answerable for the rest of the
// instance's life, including after termination.
func (c *Context) OnQuery(name string, handler func() string) {
	c.inst.mu.Lock()
	c.inst.queryHandlers[name] = handler
	c.inst.mu.Unlock()
}

// Update runs fn under the instance lock. Workflow state read by signal or
// query handlers must only be written through here.
func (c *Context) Update(fn func()) {
	c.inst.mu.Lock()
	fn()
	c.inst.mu.Unlock()
}

// Execute runs a side-effecting activity under the given retry policy and
// checkpoints its outcome. When the journal already holds an outcome for
// this step, that outcome is returned and the activity is not invoked.
func (c *Context) Execute(name string, policy RetryPolicy, fn func(ctx context.Context) (string, error)) (string, error) {
	i := c.inst
	i.drainSignals()
	i.seq++

	if next := i.nextReplay(); next != nil {
		if next.Kind != entryActivity || next.Name != name {
			return "", c.replayMismatch(name, next)
		}
		i.cursor++
		return next.Result, recordedError(next)
	}

	select {
	case <-i.runCtx.Done():
		return "", i.stopErr()
	default:
	}

	finish := i.engine.observeActivity(name)
	var result string
	err := policy.Do(i.runCtx, func() error {
		res, aerr := fn(i.runCtx)
		if aerr == nil {
			result = res
		}
		return aerr
	})
	finish(err)

	if err != nil && i.runCtx.Err() != nil && isCancellation(err) {
		return "", i.stopErr()
	}

	e := entry{Kind: entryActivity, Seq: i.seq, Name: name, Result: result}
	if err != nil {
		e.Result = ""
		e.Error = err.Error()
		e.NonRetryable = IsNonRetryable(err)
	}
	if jerr := i.journal.append(e); jerr != nil {
		return "", jerr
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

// Await suspends until the predicate holds, applying inbound signals in
// arrival order between checks. A positive timeout bounds the wait; on
// expiry Await returns ErrAwaitTimeout. The resolved outcome is journaled.
func (c *Context) Await(pred func() bool, timeout time.Duration) error {
	i := c.inst
	i.drainSignals()
	i.seq++

	if next := i.nextReplay(); next != nil {
		if next.Kind != entryAwait {
			return c.replayMismatch("await", next)
		}
		i.cursor++
		switch next.Outcome {
		case outcomeTimeout:
			return ErrAwaitTimeout
		case outcomeCanceled:
			return ErrCanceled
		default:
			return nil
		}
	}

	var timer *time.Timer
	var expiry <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expiry = timer.C
		defer timer.Stop()
	}

	for {
		i.mu.Lock()
		met := pred()
		i.mu.Unlock()
		if met {
			return c.resolveAwait(outcomeMet, nil)
		}

		select {
		case msg := <-i.inbox:
			i.applySignal(msg, true)
		case <-expiry:
			return c.resolveAwait(outcomeTimeout, ErrAwaitTimeout)
		case <-i.runCtx.Done():
			if i.isHalted() {
				return errHalted
			}
			return c.resolveAwait(outcomeCanceled, ErrCanceled)
		}
	}
}

func (c *Context) resolveAwait(outcome string, err error) error {
	if jerr := c.inst.journal.append(entry{Kind: entryAwait, Seq: c.inst.seq, Outcome: outcome}); jerr != nil {
		return jerr
	}
	return err
}

// ExecuteChild starts a child saga and blocks until its terminal outcome.
// Starting is idempotent on the child id: a live or recovered instance with
// the same id is awaited instead of spawning a second run. A cancellation of
// the parent is forwarded to the child and waited out before unwinding.
func (c *Context) ExecuteChild(kind, id string, args any) (string, error) {
	i := c.inst
	i.drainSignals()
	i.seq++

	if next := i.nextReplay(); next != nil {
		if next.Kind != entryChild || next.Name != id {
			return "", c.replayMismatch(id, next)
		}
		i.cursor++
		if next.Error != "" {
			return "", &ChildError{InstanceID: id, Err: recordedError(next)}
		}
		if next.Outcome == outcomeCanceled {
			return "", ErrCanceled
		}
		return next.Result, nil
	}

	child, err := i.engine.startChild(i.runCtx, kind, id, args, i.id)
	if err != nil {
		return "", err
	}

	select {
	case <-child.Done():
	case <-i.runCtx.Done():
		if i.isHalted() {
			return "", errHalted
		}
		i.engine.Cancel(id)
		<-child.Done()
	}

	// Signals sent while blocked on the child (e.g. its failure notice)
	// are observed now, before the child outcome is checkpointed, so
	// replay applies them in the same order.
	i.drainSignals()

	result, cerr := child.Result()
	e := entry{Kind: entryChild, Seq: i.seq, Name: id, Result: result}
	var ret error
	switch {
	case cerr == nil:
	case child.Canceled() || isCancellation(cerr):
		e.Result = ""
		e.Outcome = outcomeCanceled
		ret = ErrCanceled
	default:
		e.Result = ""
		e.Error = cerr.Error()
		e.NonRetryable = IsNonRetryable(cerr)
		ret = &ChildError{InstanceID: id, Err: cerr}
	}
	if jerr := i.journal.append(e); jerr != nil {
		return "", jerr
	}
	if ret != nil {
		return "", ret
	}
	return result, nil
}

// SendSignal delivers a signal to another instance, best-effort. The return
// value means delivery was attempted and buffered, never that the target
// handled it.
func (c *Context) SendSignal(target, name string, payload any) bool {
	return c.inst.engine.Signal(target, name, payload)
}

func (c *Context) replayMismatch(step string, got *entry) error {
	c.inst.logger.Error("journal replay mismatch",
		zap.String("expected_step", step),
		zap.String("journal_kind", string(got.Kind)),
		zap.String("journal_name", got.Name),
	)
	return errors.New("journal replay mismatch at step " + step)
}

// recordedError rebuilds the error persisted for a journaled outcome.
func recordedError(e *entry) error {
	if e.Error == "" {
		return nil
	}
	err := errors.New(e.Error)
	if e.NonRetryable {
		return NonRetryable(err)
	}
	return err
}
