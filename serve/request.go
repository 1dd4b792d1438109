package serve

import (
	"sync"
	"sync/atomic"
)

// ResponseFunc delivers a completed request to its submitter: the
// aggregated status and the output package reassembled by unit index.
type ResponseFunc func(Status, *Package)

// RequestControl tracks one user request across the pipeline. Every unit's
// TaskDesc holds a reference to it; once all expected units have reported,
// the completion callback fires exactly once with the aggregated status.
// The first non-success status wins; Success never overwrites a prior
// failure.
type RequestControl struct {
	requestID int64
	tag       string
	expected  int
	notify    ResponseFunc

	discarded atomic.Bool

	mu        sync.Mutex
	done      int
	status    Status
	completed bool
	output    *Package
	perf      map[string]float64
}

func newRequestControl(id int64, tag string, expected int, notify ResponseFunc) *RequestControl {
	return &RequestControl{
		requestID: id,
		tag:       tag,
		expected:  expected,
		notify:    notify,
		output:    &Package{Data: make([]*InferData, expected), DataNum: expected, Tag: tag},
	}
}

// RequestID returns the monotonic id assigned at submission.
func (c *RequestControl) RequestID() int64 { return c.requestID }

// Tag returns the user-supplied tag, used for cancellation by group.
func (c *RequestControl) Tag() string { return c.tag }

// Discard requests cooperative cancellation. Units still in the cache are
// purged at the next Pop; units already on the pipeline run to completion
// but their results are dropped by the submitter.
func (c *RequestControl) Discard() { c.discarded.Store(true) }

// IsDiscarded reports whether Discard has been called.
func (c *RequestControl) IsDiscarded() bool { return c.discarded.Load() }

// Completed reports whether the completion callback has fired.
func (c *RequestControl) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// ProcessDone records the result for one unit. Indices are unique per
// request; the call that completes the expected count fires the callback.
func (c *RequestControl) ProcessDone(s Status, data *InferData, index int, perf map[string]float64) {
	c.mu.Lock()
	if c.completed {
		// late result of a request already failed or discarded
		c.mu.Unlock()
		return
	}
	if index >= 0 && index < c.expected {
		c.output.Data[index] = data
	}
	for name, ms := range perf {
		if c.perf == nil {
			c.perf = make(map[string]float64)
		}
		c.perf[name] += ms
	}
	if s != Success && c.status == Success {
		c.status = s
	}
	c.done++
	last := c.done >= c.expected
	if last {
		c.completed = true
	}
	c.mu.Unlock()
	if last {
		c.finish()
	}
}

// ProcessFailed marks all remaining units as failed with s and completes the
// request. Cancellation uses s == Success, so a discarded request completes
// successfully with no output.
func (c *RequestControl) ProcessFailed(s Status) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	if s != Success && c.status == Success {
		c.status = s
	}
	c.done = c.expected
	c.completed = true
	c.mu.Unlock()
	c.finish()
}

// finish invokes the completion callback. Callers guarantee the completed
// flag transition happened exactly once under c.mu.
func (c *RequestControl) finish() {
	c.output.Perf = c.perf
	if c.notify != nil {
		c.notify(c.status, c.output)
	}
}
