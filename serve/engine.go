package serve

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// taskNode runs one processor stage and forwards the package to the next
// stage on the thread pool, or reports completion at the tail of the chain.
type taskNode struct {
	proc Processor
	mu   *sync.Mutex // serializes access to proc; shared when proc is shared
	next *taskNode
	pool *PriorityThreadPool

	// doneNotify decrements the owning engine's outstanding task count.
	doneNotify func()
}

func (n *taskNode) run(pkg *Package) {
	lockStart := time.Now()
	n.mu.Lock()
	start := time.Now()
	s := n.proc.Process(pkg)
	n.mu.Unlock()

	name := n.proc.TypeName()
	end := time.Now()
	pkg.recordPerf(name, durationMs(start, end))
	pkg.recordPerf("-WaitLock-"+name, durationMs(lockStart, start))

	if s != Success {
		logrus.Errorf("[%s] processor execute failed: %s", name, s)
		processorFailures.Inc()
		for _, d := range pkg.descs {
			d.ctrl.ProcessFailed(s)
		}
		n.doneNotify()
		return
	}
	n.transmit(pkg)
}

func (n *taskNode) transmit(pkg *Package) {
	if n.next != nil {
		// refined key: ahead of newly-arriving work of the same base,
		// behind work already deeper in the pipeline
		pkg.Priority = pkg.Priority.Next()
		next := n.next
		if !n.pool.Push(pkg.Priority, func() { next.run(pkg) }) {
			for _, d := range pkg.descs {
				d.ctrl.ProcessFailed(ErrorBackend)
			}
			n.doneNotify()
		}
		return
	}

	// tail of the chain: report per-unit completion in index order
	perf := make(map[string]float64, len(pkg.Perf))
	for name, ms := range pkg.Perf {
		perf[name] = ms / float64(len(pkg.descs))
	}
	for i, d := range pkg.descs {
		var unit *InferData
		if i < len(pkg.Data) {
			unit = pkg.Data[i]
		}
		// Success here never covers an error recorded earlier
		d.ctrl.ProcessDone(Success, unit, d.index, perf)
	}
	n.doneNotify()
}

func durationMs(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(time.Millisecond)
}

// Engine is one linear instantiation of the processor chain. An executor
// holds several engines; each processes one package batch at a time, so
// stateful sequence processors stay consistent, while distinct engines run
// in parallel.
type Engine struct {
	nodes   []*taskNode
	pool    *PriorityThreadPool
	taskNum atomic.Int32
	notify  func(*Engine)
}

// newEngine builds the chain over the given processor instances. notify is
// invoked every time an in-flight package leaves the engine.
func newEngine(procs []Processor, notify func(*Engine), pool *PriorityThreadPool) *Engine {
	e := &Engine{pool: pool, notify: notify}
	e.nodes = make([]*taskNode, 0, len(procs))
	for _, p := range procs {
		e.nodes = append(e.nodes, &taskNode{proc: p, mu: &sync.Mutex{}, pool: pool, doneNotify: e.taskDone})
	}
	for i := 0; i < len(e.nodes)-1; i++ {
		e.nodes[i].next = e.nodes[i+1]
	}
	return e
}

// Fork clones the engine by forking each processor. A processor that
// returns itself from Fork keeps sharing its instance and its lock across
// the replicas.
func (e *Engine) Fork() *Engine {
	f := &Engine{pool: e.pool, notify: e.notify}
	f.nodes = make([]*taskNode, 0, len(e.nodes))
	for _, n := range e.nodes {
		forked := n.proc.Fork()
		mu := &sync.Mutex{}
		if forked == n.proc {
			mu = n.mu
		}
		f.nodes = append(f.nodes, &taskNode{proc: forked, mu: mu, pool: e.pool, doneNotify: f.taskDone})
	}
	for i := 0; i < len(f.nodes)-1; i++ {
		f.nodes[i].next = f.nodes[i+1]
	}
	return f
}

func (e *Engine) taskDone() {
	e.taskNum.Add(-1)
	if e.notify != nil {
		e.notify(e)
	}
}

// TaskNum returns the number of packages currently inside the engine.
func (e *Engine) TaskNum() int { return int(e.taskNum.Load()) }

// submit pushes pkg into the first node at the package's priority. Returns
// false when the pool refuses work (shutdown).
func (e *Engine) submit(pkg *Package) bool {
	e.taskNum.Add(1)
	head := e.nodes[0]
	if !e.pool.Push(pkg.Priority, func() { head.run(pkg) }) {
		for _, d := range pkg.descs {
			d.ctrl.ProcessFailed(ErrorBackend)
		}
		e.taskDone()
		return false
	}
	return true
}
