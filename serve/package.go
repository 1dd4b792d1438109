package serve

// InferData is one unit of user input or output. The payload is opaque to
// the runtime; processors are the only code that interprets it.
type InferData struct {
	Payload any

	desc *TaskDesc
}

// TaskDesc ties a unit to its owning request: a strong reference to the
// RequestControl plus the unit's position in the original request. One desc
// may be shared by every unit of a continuous batch.
type TaskDesc struct {
	ctrl  *RequestControl
	index int
}

// Package is the pipeline's carrier: an ordered batch of units, their
// descriptions (populated when the package leaves the cache), and the
// scheduling key. While on the pipeline, len(Data) never exceeds the
// executor's batch size, and either len(descs) == len(Data) or the package
// is continuous (one unit, DataNum descs sharing one control).
type Package struct {
	Data     []*InferData
	descs    []*TaskDesc
	DataNum  int // may exceed len(Data) for continuous input
	Priority Priority
	Perf     map[string]float64 // per-stage wall time in ms; on an output package, the per-unit shares summed over the request's units
	Tag      string             // user-supplied group tag for cancellation
}

// NewPackage wraps payloads into a package ready for submission.
func NewPackage(payloads ...any) *Package {
	pkg := &Package{}
	for _, p := range payloads {
		pkg.Append(p)
	}
	return pkg
}

// Append adds one unit to the package.
func (p *Package) Append(payload any) {
	p.Data = append(p.Data, &InferData{Payload: payload})
	p.DataNum = len(p.Data)
}

// IsContinuous reports whether the package is a single-unit batch covering
// DataNum indexed items.
func (p *Package) IsContinuous() bool {
	return len(p.Data) == 1 && p.DataNum > 1
}

// recordPerf accumulates a stage duration into the package's perf map.
func (p *Package) recordPerf(name string, ms float64) {
	if p.Perf == nil {
		p.Perf = make(map[string]float64)
	}
	p.Perf[name] += ms
}
