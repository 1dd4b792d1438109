package serve

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Executor owns the cache and engine replicas for one configuration
// fingerprint and multiplexes every session sharing that fingerprint. A
// single consumer goroutine bridges the cache to the engine pool: it pops
// the next package, waits for an idle engine, and submits the package to
// the engine's first node at the package's priority.
type Executor struct {
	name     string
	deviceID int
	cache    Cache
	pool     *PriorityThreadPool
	engines  []*Engine

	mu       sync.Mutex
	cond     *sync.Cond // in-flight set changes
	sessions map[*Session]struct{}
	inflight map[int64]*RequestControl
	reqID    atomic.Int64

	engMu   sync.Mutex
	engCond *sync.Cond
	rr      int

	running      atomic.Bool
	consumerDone chan struct{}
}

func newExecutor(desc SessionDesc, pool *PriorityThreadPool, deviceID int) (*Executor, error) {
	if desc.Model == nil {
		return nil, fmt.Errorf("executor %q: model is nil", desc.Name)
	}
	if desc.Preproc == nil {
		return nil, fmt.Errorf("executor %q: preprocessor is nil", desc.Name)
	}
	if desc.Postproc == nil {
		return nil, fmt.Errorf("executor %q: postprocessor is nil", desc.Name)
	}
	batchSize := desc.Model.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	e := &Executor{
		name:         desc.Name,
		deviceID:     deviceID,
		pool:         pool,
		sessions:     make(map[*Session]struct{}),
		inflight:     make(map[int64]*RequestControl),
		consumerDone: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	e.engCond = sync.NewCond(&e.engMu)
	e.cache = NewCache(desc.Strategy, desc.cacheCapacity(), batchSize, desc.Priority, desc.BatchTimeout)

	procs := []Processor{desc.Preproc, predictorFactory(desc.Model, deviceID), desc.Postproc}
	first := newEngine(procs, e.engineDone, pool)
	e.engines = append(e.engines, first)
	for i := 1; i < desc.engineNum(); i++ {
		e.engines = append(e.engines, first.Fork())
	}

	e.running.Store(true)
	e.cache.Start()
	go e.consume()
	logrus.Debugf("executor %s: %d engines, batch size %d, strategy %s",
		desc.Name, len(e.engines), batchSize, desc.Strategy)
	return e, nil
}

// Name returns the configuration fingerprint this executor serves.
func (e *Executor) Name() string { return e.name }

// EngineNum returns the number of engine replicas.
func (e *Executor) EngineNum() int { return len(e.engines) }

// GetSessionNum returns the number of linked sessions.
func (e *Executor) GetSessionNum() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Link attaches a session to this executor.
func (e *Executor) Link(s *Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
}

// Unlink detaches a session and returns the number of sessions left.
func (e *Executor) Unlink(s *Session) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
	return len(e.sessions)
}

// WaitIfCacheFull blocks while the cache is at capacity; false on timeout.
func (e *Executor) WaitIfCacheFull(timeout time.Duration) bool {
	return e.cache.WaitIfFull(timeout)
}

// createControl registers a new in-flight request. The returned control's
// completion removes it from the in-flight set after the submitter's
// callback has run, so WaitTaskDone observes fully delivered results.
func (e *Executor) createControl(tag string, expected int, cb ResponseFunc) *RequestControl {
	id := e.reqID.Add(1)
	ctrl := newRequestControl(id, tag, expected, func(s Status, out *Package) {
		if cb != nil {
			cb(s, out)
		}
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
		e.cond.Broadcast()
		completedTotal.Inc()
	})
	e.mu.Lock()
	e.inflight[id] = ctrl
	e.mu.Unlock()
	return ctrl
}

// abortControl forgets a control whose package never entered the pipeline.
// No callback fires: the submitter saw the send fail synchronously.
func (e *Executor) abortControl(ctrl *RequestControl) {
	e.mu.Lock()
	delete(e.inflight, ctrl.RequestID())
	e.mu.Unlock()
	e.cond.Broadcast()
}

// WaitTaskDone blocks until every in-flight request with the tag has
// completed.
func (e *Executor) WaitTaskDone(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.anyInflightLocked(tag) {
		e.cond.Wait()
	}
}

func (e *Executor) anyInflightLocked(tag string) bool {
	for _, ctrl := range e.inflight {
		if ctrl.Tag() == tag {
			return true
		}
	}
	return false
}

// DiscardTask marks every in-flight request with the tag discarded and
// wakes the cache so queued work is purged at the next Pop.
func (e *Executor) DiscardTask(tag string) {
	var matched []*RequestControl
	e.mu.Lock()
	for _, ctrl := range e.inflight {
		if ctrl.Tag() == tag {
			matched = append(matched, ctrl)
		}
	}
	e.mu.Unlock()
	for _, ctrl := range matched {
		ctrl.Discard()
	}
	if len(matched) > 0 {
		e.cache.Wake()
	}
}

func (e *Executor) engineDone(_ *Engine) {
	e.engMu.Lock()
	e.engCond.Broadcast()
	e.engMu.Unlock()
}

// pickIdleEngine returns the next engine with no outstanding work,
// round-robin, blocking until one drains. One request at a time per engine
// keeps state-carrying sequence processors consistent.
func (e *Executor) pickIdleEngine() *Engine {
	e.engMu.Lock()
	defer e.engMu.Unlock()
	for {
		n := len(e.engines)
		for i := 0; i < n; i++ {
			eng := e.engines[(e.rr+i)%n]
			if eng.TaskNum() == 0 {
				e.rr = (e.rr + i + 1) % n
				return eng
			}
		}
		e.engCond.Wait()
	}
}

func (e *Executor) consume() {
	defer close(e.consumerDone)
	for {
		pkg := e.cache.Pop()
		if pkg == nil {
			return
		}
		eng := e.pickIdleEngine()
		eng.submit(pkg)
	}
}

// Destroy tears the executor down: stop the cache (flushing any partial
// batch), join the consumer, drain every engine, then wait out the
// in-flight set. It returns only when every outstanding request has
// completed.
func (e *Executor) Destroy() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cache.Stop()
	<-e.consumerDone

	e.engMu.Lock()
	for e.anyEngineBusyLocked() {
		e.engCond.Wait()
	}
	e.engMu.Unlock()

	e.mu.Lock()
	for len(e.inflight) > 0 {
		e.cond.Wait()
	}
	e.mu.Unlock()

	e.engines = nil
	logrus.Debugf("executor %s destroyed", e.name)
}

func (e *Executor) anyEngineBusyLocked() bool {
	for _, eng := range e.engines {
		if eng.TaskNum() != 0 {
			return true
		}
	}
	return false
}
