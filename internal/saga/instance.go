package saga

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

type signalMsg struct {
	name    string
	payload json.RawMessage
}

// inboxSize bounds buffered, not-yet-applied signals per instance. Signals
// beyond the buffer are dropped and reported as not delivered.
const inboxSize = 64

// Instance is one live or terminated saga execution. A single goroutine runs
// the workflow body; all state visible to signal handlers and queries is
// mutated under mu so observers never see a half-applied transition.
type Instance struct {
	id     string
	kind   string
	parent string

	engine  *Engine
	journal *journal
	logger  *zap.Logger

	// replay holds journal entries still to be consumed before the
	// instance goes live again. Accessed only by the workflow goroutine.
	replay []entry
	cursor int
	seq    int

	inbox   chan signalMsg
	runCtx  context.Context
	stop    context.CancelFunc
	done    chan struct{}

	mu             sync.Mutex
	signalHandlers map[string]func(json.RawMessage)
	queryHandlers  map[string]func() string
	halted         bool
	cancelRequest  bool
	finished       bool
	result         string
	runErr         error
	canceled       bool
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Done is closed when the instance reaches a terminal outcome or is halted
// by engine shutdown.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Result returns the terminal result. Valid once Done is closed.
func (i *Instance) Result() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, i.runErr
}

// Canceled reports whether the instance terminated via cancellation.
func (i *Instance) Canceled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.canceled
}

// IsRunning reports whether the instance has not yet terminated.
func (i *Instance) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.finished
}

func (i *Instance) replaying() bool { return i.cursor < len(i.replay) }

func (i *Instance) nextReplay() *entry {
	if !i.replaying() {
		return nil
	}
	return &i.replay[i.cursor]
}

// applySignal records (live mode) and dispatches one signal. Handlers run
// under the instance mutex; unhandled signals are dropped with a log line.
func (i *Instance) applySignal(msg signalMsg, record bool) {
	if record {
		if err := i.journal.append(entry{Kind: entrySignal, Name: msg.name, Payload: msg.payload}); err != nil {
			i.logger.Error("journal signal append failed", zap.String("signal", msg.name), zap.Error(err))
		}
	}

	i.mu.Lock()
	handler, ok := i.signalHandlers[msg.name]
	if ok {
		handler(msg.payload)
	}
	i.mu.Unlock()

	if !ok {
		i.logger.Warn("signal without handler dropped", zap.String("signal", msg.name))
	}
}

// drainSignals applies pending signals in arrival order. During replay it
// consumes journaled signal entries instead of reading the live inbox.
func (i *Instance) drainSignals() {
	for i.replaying() && i.replay[i.cursor].Kind == entrySignal {
		e := i.replay[i.cursor]
		i.cursor++
		i.applySignal(signalMsg{name: e.Name, payload: e.Payload}, false)
	}
	if i.replaying() {
		return
	}
	for {
		select {
		case msg := <-i.inbox:
			i.applySignal(msg, true)
		default:
			return
		}
	}
}

func (i *Instance) isHalted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.halted
}

// halt stops the workflow goroutine without recording a terminal outcome.
func (i *Instance) halt() {
	i.mu.Lock()
	if i.finished {
		i.mu.Unlock()
		return
	}
	i.halted = true
	i.mu.Unlock()
	i.stop()
}

// requestCancel asks the instance to unwind into its cancelled terminal state
// at the next suspension point.
func (i *Instance) requestCancel() bool {
	i.mu.Lock()
	if i.finished {
		i.mu.Unlock()
		return false
	}
	i.cancelRequest = true
	i.mu.Unlock()
	i.stop()
	return true
}

// stopErr maps an interrupted run context to the matching control error.
func (i *Instance) stopErr() error {
	if i.isHalted() {
		return errHalted
	}
	return ErrCanceled
}

func (i *Instance) query(name string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	handler, ok := i.queryHandlers[name]
	if !ok {
		return "", ErrNotFound
	}
	return handler(), nil
}

func (i *Instance) deliver(msg signalMsg) bool {
	i.mu.Lock()
	if i.finished || i.halted {
		i.mu.Unlock()
		return false
	}
	i.mu.Unlock()

	select {
	case i.inbox <- msg:
		return true
	default:
		return false
	}
}

// finish records the terminal outcome. Halted instances skip the end entry
// so the next boot resumes them from the journal.
func (i *Instance) finish(result string, err error) {
	halted := i.isHalted()

	if !halted {
		e := entry{Kind: entryEnd, Result: result}
		switch {
		case err == nil:
			e.Outcome = outcomeCompleted
		case isCancellation(err):
			e.Outcome = outcomeCanceled
		default:
			e.Outcome = outcomeFailed
			e.Error = err.Error()
			e.NonRetryable = IsNonRetryable(err)
		}
		if jerr := i.journal.append(e); jerr != nil {
			i.logger.Error("journal end append failed", zap.Error(jerr))
		}
	}

	i.mu.Lock()
	i.finished = true
	if !halted {
		i.result = result
		i.runErr = err
		i.canceled = isCancellation(err)
		if i.canceled {
			i.runErr = ErrCanceled
			i.result = ""
		}
	} else {
		i.runErr = errHalted
	}
	i.mu.Unlock()

	if cerr := i.journal.close(); cerr != nil {
		i.logger.Error("journal close failed", zap.Error(cerr))
	}
	close(i.done)
}
