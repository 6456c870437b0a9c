package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Workflow is the body of one saga kind.
type Workflow interface {
	Run(ctx *Context) (string, error)
}

// Factory builds a workflow value for a new or recovering instance.
type Factory func(instanceID string, args json.RawMessage) (Workflow, error)

// Engine owns the instance registry and the per-instance checkpoint
// journals. Exactly one live instance exists per id; distinct instances run
// concurrently, each on its own goroutine.
type Engine struct {
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	factories  map[string]Factory
	instances  map[string]*Instance
	closed     bool
	onActivity func(name string) func(error)
	hooks      LifecycleHooks

	wg sync.WaitGroup
}

// NewEngine constructs an engine whose journals live under dir.
func NewEngine(dir string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Engine{
		dir:       dir,
		logger:    logger,
		factories: make(map[string]Factory),
		instances: make(map[string]*Instance),
	}, nil
}

// RegisterWorkflow registers a workflow kind. Must precede Start and Recover.
func (e *Engine) RegisterWorkflow(kind string, factory Factory) {
	e.mu.Lock()
	e.factories[kind] = factory
	e.mu.Unlock()
}

// SetActivityObserver installs a hook invoked around each live activity
// execution, for metrics.
func (e *Engine) SetActivityObserver(fn func(name string) func(error)) {
	e.mu.Lock()
	e.onActivity = fn
	e.mu.Unlock()
}

func (e *Engine) observeActivity(name string) func(error) {
	e.mu.Lock()
	fn := e.onActivity
	e.mu.Unlock()
	if fn == nil {
		return func(error) {}
	}
	return fn(name)
}

// LifecycleHooks observe instance lifecycle transitions, for metrics. Nil
// funcs are skipped. A halted instance (engine shutdown) fires no terminal
// hook; its resume on the next boot fires Recovered.
type LifecycleHooks struct {
	Started   func()
	Completed func()
	Failed    func()
	Canceled  func()
	Recovered func()
	Signal    func()
}

// SetLifecycleHooks installs the lifecycle hooks. Must precede Start and
// Recover.
func (e *Engine) SetLifecycleHooks(hooks LifecycleHooks) {
	e.mu.Lock()
	e.hooks = hooks
	e.mu.Unlock()
}

func (e *Engine) lifecycle() LifecycleHooks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hooks
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// StartWorkflow creates and runs a new instance. Instance ids are never
// reused: a second start for an id fails with ErrAlreadyStarted whether the
// first run is live, terminated, or known only from an on-disk journal that
// Recover has not loaded yet.
func (e *Engine) StartWorkflow(ctx context.Context, kind, id string, args any) (*Instance, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return e.start(kind, id, raw, "", nil)
}

// startChild starts (or attaches to) the child instance for ExecuteChild.
func (e *Engine) startChild(ctx context.Context, kind, id string, args any, parent string) (*Instance, error) {
	e.mu.Lock()
	if existing, ok := e.instances[id]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	inst, err := e.start(kind, id, raw, parent, nil)
	if errors.Is(err, ErrAlreadyStarted) {
		// Lost a race with another starter for the same child id.
		e.mu.Lock()
		existing := e.instances[id]
		e.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
	}
	return inst, err
}

func (e *Engine) start(kind, id string, args json.RawMessage, parent string, replay []entry) (*Instance, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is shut down")
	}
	factory, ok := e.factories[kind]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown workflow kind %q", kind)
	}
	if _, exists := e.instances[id]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}

	fresh := replay == nil
	if fresh {
		// An on-disk journal for an unregistered id means history that has
		// not been recovered yet; truncating it would reuse the id and wipe
		// that history.
		if _, err := os.Stat(e.journalPath(id)); err == nil {
			e.mu.Unlock()
			return nil, ErrAlreadyStarted
		} else if !os.IsNotExist(err) {
			e.mu.Unlock()
			return nil, err
		}
	}
	j, err := openJournal(e.journalPath(id), fresh)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	inst := &Instance{
		id:             id,
		kind:           kind,
		parent:         parent,
		engine:         e,
		journal:        j,
		logger:         e.logger.With(zap.String("instance_id", id), zap.String("workflow", kind)),
		replay:         replay,
		inbox:          make(chan signalMsg, inboxSize),
		runCtx:         runCtx,
		stop:           stop,
		done:           make(chan struct{}),
		signalHandlers: make(map[string]func(json.RawMessage)),
		queryHandlers:  make(map[string]func() string),
	}
	e.instances[id] = inst
	e.wg.Add(1)
	e.mu.Unlock()

	if fresh {
		if err := j.append(entry{Kind: entryBegin, Workflow: kind, Name: id, Payload: args, Parent: parent}); err != nil {
			e.remove(id)
			stop()
			e.wg.Done()
			_ = j.close()
			return nil, err
		}
	} else {
		// Skip the begin record; replay starts at the first step outcome.
		if len(inst.replay) > 0 && inst.replay[0].Kind == entryBegin {
			inst.cursor = 1
		}
	}

	wf, err := factory(id, args)
	if err != nil {
		e.remove(id)
		stop()
		e.wg.Done()
		_ = j.close()
		return nil, err
	}

	hooks := e.lifecycle()
	if fresh {
		fire(hooks.Started)
	} else {
		fire(hooks.Recovered)
	}

	go e.runInstance(inst, wf)
	return inst, nil
}

func (e *Engine) runInstance(inst *Instance, wf Workflow) {
	defer e.wg.Done()

	result, err := func() (res string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("workflow panic: %v", r)
				inst.logger.Error("workflow panicked", zap.Any("panic", r))
			}
		}()
		return wf.Run(&Context{inst: inst})
	}()

	// Terminal hooks fire before finish closes Done, so an observer woken by
	// Done always sees the transition counted.
	hooks := e.lifecycle()
	halted := inst.isHalted()
	canceled := !halted && isCancellation(err)
	switch {
	case halted:
	case canceled:
		fire(hooks.Canceled)
	case err != nil:
		fire(hooks.Failed)
	default:
		fire(hooks.Completed)
	}

	inst.finish(result, err)

	switch {
	case halted:
		inst.logger.Info("saga halted")
	case canceled:
		inst.logger.Info("saga cancelled")
	case err != nil:
		inst.logger.Warn("saga failed", zap.Error(err))
	default:
		inst.logger.Info("saga completed", zap.String("result", result))
	}
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
}

func (e *Engine) journalPath(id string) string {
	return filepath.Join(e.dir, id+".journal")
}

// Recover scans the journal directory, loads terminated instances into the
// registry for queries, and resumes every instance with no terminal record
// by replaying its journal.
func (e *Engine) Recover(ctx context.Context) error {
	files, err := os.ReadDir(e.dir)
	if err != nil {
		return err
	}

	var resumable [][]entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".journal") {
			continue
		}
		path := filepath.Join(e.dir, f.Name())
		entries, err := readJournal(path)
		if err != nil {
			return fmt.Errorf("read journal %s: %w", f.Name(), err)
		}
		if len(entries) == 0 || entries[0].Kind != entryBegin {
			e.logger.Warn("skipping malformed journal", zap.String("file", f.Name()))
			continue
		}

		last := entries[len(entries)-1]
		if last.Kind == entryEnd {
			e.loadTerminated(entries[0], last)
			continue
		}
		resumable = append(resumable, entries)
	}

	// Children resume before parents, so a resuming parent blocked on its
	// child attaches to the live child instead of racing its registration.
	sort.SliceStable(resumable, func(i, j int) bool {
		return resumable[i][0].Parent != "" && resumable[j][0].Parent == ""
	})

	for _, entries := range resumable {
		begin := entries[0]
		e.logger.Info("resuming saga from journal",
			zap.String("instance_id", begin.Name),
			zap.String("workflow", begin.Workflow),
		)
		if _, err := e.start(begin.Workflow, begin.Name, begin.Payload, begin.Parent, entries); err != nil {
			return fmt.Errorf("resume %s: %w", begin.Name, err)
		}
	}
	return nil
}

// loadTerminated registers a finished instance so queries and child waits
// keep answering across restarts. No goroutine runs for it.
func (e *Engine) loadTerminated(begin, end entry) {
	inst := &Instance{
		id:             begin.Name,
		kind:           begin.Workflow,
		parent:         begin.Parent,
		engine:         e,
		logger:         e.logger.With(zap.String("instance_id", begin.Name)),
		done:           make(chan struct{}),
		signalHandlers: make(map[string]func(json.RawMessage)),
		queryHandlers:  make(map[string]func() string),
		finished:       true,
		result:         end.Result,
		runErr:         recordedError(&end),
		canceled:       end.Outcome == outcomeCanceled,
	}
	if inst.canceled {
		inst.runErr = ErrCanceled
	}
	close(inst.done)

	e.mu.Lock()
	if _, exists := e.instances[inst.id]; !exists {
		e.instances[inst.id] = inst
	}
	e.mu.Unlock()
}

// Signal delivers a signal to an instance, best-effort. The boolean reports
// a buffered delivery attempt, never handling.
func (e *Engine) Signal(id, name string, payload any) bool {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("signal payload marshal failed", zap.String("signal", name), zap.Error(err))
		return false
	}
	if !inst.deliver(signalMsg{name: name, payload: raw}) {
		e.logger.Warn("signal not delivered",
			zap.String("instance_id", id),
			zap.String("signal", name),
		)
		return false
	}
	fire(e.lifecycle().Signal)
	return true
}

// Query answers a read-only accessor on a live or terminated instance.
func (e *Engine) Query(id, name string) (string, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return inst.query(name)
}

// Cancel requests cancellation of a live instance.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return inst.requestCancel()
}

// IsRunning reports whether a live instance exists for the id.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	return ok && inst.IsRunning()
}

// Live reports how many registered instances are still running.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, inst := range e.instances {
		if inst.IsRunning() {
			n++
		}
	}
	return n
}

// Get returns the instance registered under id, if any.
func (e *Engine) Get(id string) (*Instance, bool) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	return inst, ok
}

// Shutdown halts all live instances without recording terminal outcomes and
// waits for their goroutines, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	insts := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	for _, inst := range insts {
		inst.halt()
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
