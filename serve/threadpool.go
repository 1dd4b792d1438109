package serve

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work scheduled on the pool.
type Task func()

// WorkerInit runs once in every worker before it consumes any task.
// Returning false marks the worker dead: it exits without ever running a
// task. The server uses this hook to bind the device context to the worker
// thread.
type WorkerInit func() bool

type poolItem struct {
	prio Priority
	seq  uint64 // push order, breaks priority ties FIFO
	task Task
}

type taskHeap []poolItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].prio == h[j].prio {
		return h[i].seq < h[j].seq
	}
	return h[i].prio.Less(h[j].prio)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(poolItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = poolItem{}
	*h = old[:n-1]
	return it
}

// PriorityThreadPool executes tasks strictly in Priority order on a
// resizable set of workers. One pool is shared by every executor on a
// device.
type PriorityThreadPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	pushSeq uint64
	init    WorkerInit

	workers int // live workers, including those pending exit
	excess  int // workers that should exit at their next idle point
	idle    int
	stopped bool
	wg      sync.WaitGroup
}

// NewPriorityThreadPool creates a pool with n workers. init may be nil.
func NewPriorityThreadPool(init WorkerInit, n int) *PriorityThreadPool {
	p := &PriorityThreadPool{init: init}
	p.cond = sync.NewCond(&p.mu)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

func (p *PriorityThreadPool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *PriorityThreadPool) worker() {
	defer p.wg.Done()
	// The init hook must succeed before the worker consumes tasks.
	if p.init != nil && !p.init() {
		logrus.Error("thread pool worker init hook failed, worker is dead")
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	for {
		for len(p.queue) == 0 && !p.stopped && p.excess == 0 {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.excess > 0 {
			p.excess--
			p.workers--
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			// stopped and drained
			p.workers--
			p.mu.Unlock()
			return
		}
		it := heap.Pop(&p.queue).(poolItem)
		p.mu.Unlock()
		it.task()
		p.mu.Lock()
	}
}

// Push enqueues a task at the given priority. It returns false after Stop:
// the pool refuses work rather than dropping it silently, and the caller is
// responsible for failing the associated request.
func (p *PriorityThreadPool) Push(prio Priority, t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.pushSeq++
	heap.Push(&p.queue, poolItem{prio: prio, seq: p.pushSeq, task: t})
	p.cond.Signal()
	return true
}

// Resize grows or shrinks the pool to n workers. Shrinking never cancels an
// executing task: surplus workers exit at their next idle point.
func (p *PriorityThreadPool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	effective := p.workers - p.excess
	switch {
	case n > effective:
		for i := 0; i < n-effective; i++ {
			p.spawnLocked()
		}
	case n < effective:
		p.excess += effective - n
		p.cond.Broadcast()
	}
}

// Size returns the current target worker count.
func (p *PriorityThreadPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers - p.excess
}

// IdleNumber returns the number of workers currently waiting for work.
func (p *PriorityThreadPool) IdleNumber() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Stop shuts the pool down. With wait=true, queued tasks are drained before
// the workers exit; with wait=false, queued tasks are dropped. Either way
// Stop blocks until every worker has returned.
func (p *PriorityThreadPool) Stop(wait bool) {
	p.mu.Lock()
	p.stopped = true
	if !wait {
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
