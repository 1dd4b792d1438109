package serve

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Cache is the bounded priority FIFO of packages feeding an executor's
// consumer loop. Implementations differ only in how inbound units are
// grouped into packages (see Dynamic and Static).
type Cache interface {
	// Push hands a package's units to the cache. Returns false once the
	// cache has been stopped, or when the strategy cannot accept the input.
	Push(pkg *Package) bool
	// Pop blocks until a package is available, skipping and purging
	// discarded work. It returns nil only when the cache is stopped and
	// drained, signalling the consumer to exit.
	Pop() *Package
	// WaitIfFull blocks while the cache holds capacity packages. It
	// returns false only when the timeout expires first; timeout <= 0
	// waits indefinitely.
	WaitIfFull(timeout time.Duration) bool
	Start()
	Stop()
	// Wake nudges a blocked Pop so newly discarded packages are purged.
	Wake()
	BatchSize() int
}

// NewCache creates a cache for the given strategy. basePrio is the owning
// session's configured priority; batchTimeout only applies to Dynamic.
func NewCache(strategy BatchStrategy, capacity, batchSize int, basePrio int16, batchTimeout time.Duration) Cache {
	switch strategy {
	case Dynamic:
		return newDynamicCache(capacity, batchSize, basePrio, batchTimeout)
	case Static:
		return newStaticCache(capacity, batchSize, basePrio)
	default:
		logrus.Panicf("unknown batch strategy: %d", strategy)
		return nil
	}
}

// cacheStrategy is the varying half of a cache: how units are grouped on
// the way in, how descriptions are arranged on the way out, and how
// discarded work is purged.
type cacheStrategy interface {
	enqueue(pkg *Package) bool
	// prepare finalizes a package popped from the queue, after the cache
	// mutex has been released.
	prepare(pkg *Package)
	// clearDiscardLocked purges discarded units from the queue. Called
	// with the cache mutex held.
	clearDiscardLocked()
}

type cacheCore struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue     []*Package
	capacity  int
	batchSize int
	basePrio  int16
	running   atomic.Bool
	strategy  cacheStrategy
}

func newCacheCore(capacity, batchSize int, basePrio int16) *cacheCore {
	c := &cacheCore{capacity: capacity, batchSize: batchSize, basePrio: basePrio}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *cacheCore) Start() { c.running.Store(true) }

func (c *cacheCore) Stop() {
	c.running.Store(false)
	c.cond.Broadcast()
}

func (c *cacheCore) Wake() { c.cond.Broadcast() }

func (c *cacheCore) BatchSize() int { return c.batchSize }

func (c *cacheCore) Push(pkg *Package) bool {
	if pkg == nil || !c.running.Load() {
		return false
	}
	return c.strategy.enqueue(pkg)
}

func (c *cacheCore) Pop() *Package {
	c.mu.Lock()
	for {
		for len(c.queue) == 0 && c.running.Load() {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			// stopped and drained
			c.mu.Unlock()
			return nil
		}
		pkg := c.queue[0]
		if packageDiscarded(pkg) {
			c.strategy.clearDiscardLocked()
			// head changed, re-evaluate; the queue may now be empty
			continue
		}
		c.queue = c.queue[1:]
		c.mu.Unlock()
		// a slot opened up for WaitIfFull waiters
		c.cond.Broadcast()
		c.strategy.prepare(pkg)
		return pkg
	}
}

func (c *cacheCore) WaitIfFull(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout <= 0 {
		for len(c.queue) >= c.capacity {
			c.cond.Wait()
		}
		return true
	}
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, c.cond.Broadcast)
	defer timer.Stop()
	for len(c.queue) >= c.capacity {
		if !time.Now().Before(deadline) {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// appendPackage pushes a finished package onto the queue and wakes the
// consumer. Callers must not hold c.mu.
func (c *cacheCore) appendPackage(pkg *Package) {
	c.mu.Lock()
	c.queue = append(c.queue, pkg)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// packageDiscarded reports whether any unit of pkg belongs to a discarded
// request. Works both before prepare (descs on units) and after enqueue for
// the static strategy (descs on the package).
func packageDiscarded(pkg *Package) bool {
	for _, it := range pkg.Data {
		if it.desc != nil && it.desc.ctrl.IsDiscarded() {
			return true
		}
	}
	for _, d := range pkg.descs {
		if d.ctrl.IsDiscarded() {
			return true
		}
	}
	return false
}

// dynamicCache regroups units from all requests through a Batcher, so
// concurrent small requests fill hardware-preferred batches.
type dynamicCache struct {
	*cacheCore
	batcher *Batcher[*InferData]
}

func newDynamicCache(capacity, batchSize int, basePrio int16, batchTimeout time.Duration) *dynamicCache {
	c := &dynamicCache{cacheCore: newCacheCore(capacity, batchSize, basePrio)}
	c.strategy = c
	c.batcher = NewBatcher(c.emitBatch, batchTimeout, batchSize)
	return c
}

func (c *dynamicCache) Stop() {
	// flush the partial batch before stopping so the consumer drains it
	// and in-flight requests can still complete
	c.batcher.Emit()
	c.cacheCore.Stop()
	c.cond.Broadcast()
}

func (c *dynamicCache) enqueue(pkg *Package) bool {
	if pkg.IsContinuous() {
		// continuous input carries one desc for many indices; regrouping it
		// with foreign units would break index accounting
		logrus.Error("dynamic batching does not support continuous input")
		return false
	}
	for _, it := range pkg.Data {
		c.batcher.AddItem(it)
	}
	return true
}

func (c *dynamicCache) emitBatch(items []*InferData) {
	pkg := &Package{Data: items, DataNum: len(items)}
	pkg.Priority = PriorityFor(c.basePrio, items[0].desc.ctrl.RequestID())
	c.appendPackage(pkg)
	batchesEmitted.Inc()
}

// prepare moves each unit's description into the package (item-level
// descriptions: units of different requests share one package).
func (c *dynamicCache) prepare(pkg *Package) {
	pkg.descs = make([]*TaskDesc, 0, len(pkg.Data))
	for _, it := range pkg.Data {
		pkg.descs = append(pkg.descs, it.desc)
		it.desc = nil
	}
}

// clearDiscardLocked rebatches every non-discarded unit in the queue into
// fresh batch-size packages, completing discarded units with Success.
func (c *dynamicCache) clearDiscardLocked() {
	var live []*InferData
	for _, pkg := range c.queue {
		for _, it := range pkg.Data {
			if it.desc.ctrl.IsDiscarded() {
				it.desc.ctrl.ProcessFailed(Success)
				discardedTotal.Inc()
			} else {
				live = append(live, it)
			}
		}
	}
	c.queue = c.queue[:0]
	for len(live) > 0 {
		n := min(c.batchSize, len(live))
		pkg := &Package{Data: live[:n], DataNum: n}
		pkg.Priority = PriorityFor(c.basePrio, live[0].desc.ctrl.RequestID())
		c.queue = append(c.queue, pkg)
		live = live[n:]
	}
}

// staticCache slices each inbound package into batch-size chunks without
// mixing units from different requests, preserving batch-internal
// structure.
type staticCache struct {
	*cacheCore
}

func newStaticCache(capacity, batchSize int, basePrio int16) *staticCache {
	c := &staticCache{cacheCore: newCacheCore(capacity, batchSize, basePrio)}
	c.strategy = c
	return c
}

func (c *staticCache) enqueue(in *Package) bool {
	if in.IsContinuous() {
		// one unit covering DataNum indexed items: synthesize per-index
		// descriptions sharing the unit's control
		ctrl := in.Data[0].desc.ctrl
		pkg := &Package{Data: in.Data, DataNum: in.DataNum, Tag: in.Tag}
		pkg.descs = make([]*TaskDesc, 0, in.DataNum)
		for i := 0; i < in.DataNum; i++ {
			pkg.descs = append(pkg.descs, &TaskDesc{ctrl: ctrl, index: i})
		}
		pkg.Priority = PriorityFor(c.basePrio, ctrl.RequestID())
		c.appendPackage(pkg)
		batchesEmitted.Inc()
		return true
	}
	for start := 0; start < len(in.Data); start += c.batchSize {
		end := min(start+c.batchSize, len(in.Data))
		chunk := in.Data[start:end]
		pkg := &Package{Data: chunk, DataNum: end - start, Tag: in.Tag}
		pkg.descs = make([]*TaskDesc, 0, len(chunk))
		for _, it := range chunk {
			pkg.descs = append(pkg.descs, it.desc)
		}
		pkg.Priority = PriorityFor(c.basePrio, chunk[0].desc.ctrl.RequestID())
		c.appendPackage(pkg)
		batchesEmitted.Inc()
	}
	return true
}

// prepare clears per-item descriptions; the package-level descriptions were
// already populated at enqueue.
func (c *staticCache) prepare(pkg *Package) {
	for _, it := range pkg.Data {
		it.desc = nil
	}
}

// clearDiscardLocked drops whole packages whose first unit is discarded; no
// rebatching, so surviving packages keep their internal structure.
func (c *staticCache) clearDiscardLocked() {
	kept := c.queue[:0]
	for _, pkg := range c.queue {
		if pkg.descs[0].ctrl.IsDiscarded() {
			for _, d := range pkg.descs {
				d.ctrl.ProcessFailed(Success)
				discardedTotal.Inc()
			}
		} else {
			kept = append(kept, pkg)
		}
	}
	c.queue = kept
}
