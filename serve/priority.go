package serve

// Priority is the scheduling key for the shared thread pool. It totally
// orders work across all executors on a device:
//
//   - Base is the user-configured priority of the session (smaller = more
//     urgent).
//   - Seq is the negated request id, so that for equal Base, older requests
//     sort before newer ones. Request ids are monotonic per executor, which
//     makes the order stable under submission order.
//   - Stage is the pipeline depth of the package. Deeper work of the same
//     request sorts before shallower work, so a package moving through the
//     chain is never starved by work that forked off it earlier.
//
// Because a brand-new package always carries a newer request id than
// anything in flight, refining Stage keeps in-flight packages ahead of new
// arrivals at the same Base without ever colliding with a future request's
// key.
type Priority struct {
	Base  int16
	Seq   int64
	Stage int32
}

// PriorityFor builds the key a request's first-stage package is submitted
// with. requestID must be positive and monotonic within one executor.
func PriorityFor(base int16, requestID int64) Priority {
	return Priority{Base: base, Seq: -requestID}
}

// Less reports whether p is dispatched before o. Smaller Base wins; at equal
// Base the larger Seq (older request) wins; at equal Seq the deeper Stage
// wins.
func (p Priority) Less(o Priority) bool {
	if p.Base != o.Base {
		return p.Base < o.Base
	}
	if p.Seq != o.Seq {
		return p.Seq > o.Seq
	}
	return p.Stage > o.Stage
}

// Next returns the key a package is resubmitted with when it moves from
// stage i to stage i+1. The refined key sorts after any package already
// deeper in the pipeline and before any newly arriving package of the same
// Base.
func (p Priority) Next() Priority {
	p.Stage++
	return p
}
