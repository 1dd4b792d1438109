package serve

import "fmt"

// Status is the wire-visible outcome of a request or of a single pipeline
// stage. It is distinct from Go errors: errors report API misuse to the
// caller synchronously, Status reports what happened to work that entered
// the pipeline.
type Status int

const (
	// Success also covers cooperative cancellation: a discarded request
	// completes with Success and no output units ("completed without
	// producing output").
	Success Status = iota
	InvalidParam
	WrongType
	ErrorBackend
	Timeout
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case InvalidParam:
		return "INVALID_PARAM"
	case WrongType:
		return "WRONG_TYPE"
	case ErrorBackend:
		return "ERROR_BACKEND"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// BatchStrategy selects how the cache groups inbound units into packages.
type BatchStrategy int

const (
	// Dynamic feeds every unit through a time- and size-bounded batcher,
	// regrouping units from different requests into hardware-preferred
	// batches.
	Dynamic BatchStrategy = iota
	// Static slices each inbound package into batch-size chunks without
	// mixing units from different requests.
	Static
)

// ParseBatchStrategy maps a config-file name to a strategy. Valid names:
// "dynamic" (default for empty), "static".
func ParseBatchStrategy(name string) (BatchStrategy, error) {
	switch name {
	case "", "dynamic":
		return Dynamic, nil
	case "static":
		return Static, nil
	default:
		return Dynamic, fmt.Errorf("unknown batch strategy %q", name)
	}
}

func (b BatchStrategy) String() string {
	switch b {
	case Dynamic:
		return "BatchStrategy::DYNAMIC"
	case Static:
		return "BatchStrategy::STATIC"
	default:
		return "Unknown"
	}
}
