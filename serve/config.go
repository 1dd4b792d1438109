package serve

import (
	"fmt"
	"time"

	"github.com/inferflow/inferflow/serve/model"
)

// SessionDesc describes the pipeline a session needs. Sessions with the
// same fingerprint (model path, function name, processor type names) share
// one executor.
type SessionDesc struct {
	Name     string
	Model    *model.Model
	Strategy BatchStrategy

	Preproc  Processor
	Postproc Processor // nil selects a passthrough postprocessor

	// BatchTimeout bounds how long the dynamic cache holds a partial
	// batch. Ignored by the static strategy.
	BatchTimeout time.Duration

	// Priority is the session's base scheduling priority; smaller is more
	// urgent.
	Priority int16

	// EngineNum is the number of parallel pipeline replicas. Zero means 1.
	EngineNum int

	// CacheCapacity bounds the number of packages queued ahead of the
	// consumer. Zero selects 3 per engine.
	CacheCapacity int

	// ShowPerf enables per-stage latency accounting on the session.
	ShowPerf bool
}

// fingerprint derives the executor identity from the desc. Sessions mapping
// to the same string share an executor.
func (d *SessionDesc) fingerprint() string {
	return fmt.Sprintf("%s_%s_%s_%s",
		d.Model.Path(), d.Model.FunctionName(), d.Preproc.TypeName(), d.Postproc.TypeName())
}

func (d *SessionDesc) engineNum() int {
	if d.EngineNum <= 0 {
		return 1
	}
	return d.EngineNum
}

func (d *SessionDesc) cacheCapacity() int {
	if d.CacheCapacity > 0 {
		return d.CacheCapacity
	}
	return 3 * d.engineNum()
}

// PredictorFactory builds the inference stage for an executor. The default
// factory produces a passthrough stage so the pipeline is runnable without
// a backend; deployments register the real one at startup.
type PredictorFactory func(m *model.Model, deviceID int) Processor

var predictorFactory PredictorFactory = func(_ *model.Model, _ int) Processor {
	return NewPassthroughProcessor("Predictor")
}

// SetPredictorFactory registers the backend inference stage constructor.
// Must be called before any session is created.
func SetPredictorFactory(f PredictorFactory) {
	if f != nil {
		predictorFactory = f
	}
}
