package serve

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferflow/inferflow/serve/internal/testutil"
)

// stageProcessor is a configurable pipeline stage for tests.
type stageProcessor struct {
	name      string
	status    Status
	delay     time.Duration
	transform func(any) any

	calls atomic.Int32
	forks atomic.Int32
}

func (p *stageProcessor) Process(pkg *Package) Status {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.transform != nil {
		for _, it := range pkg.Data {
			it.Payload = p.transform(it.Payload)
		}
	}
	return p.status
}

func (p *stageProcessor) TypeName() string { return p.name }

func (p *stageProcessor) Fork() Processor {
	p.forks.Add(1)
	return &stageProcessor{name: p.name, status: p.status, delay: p.delay, transform: p.transform}
}

// preparedPackage builds a package as it looks after leaving the cache:
// descs populated, item descs cleared.
func preparedPackage(ctrl *RequestControl, payloads ...any) *Package {
	pkg := NewPackage(payloads...)
	pkg.descs = make([]*TaskDesc, len(pkg.Data))
	for i := range pkg.Data {
		pkg.descs[i] = &TaskDesc{ctrl: ctrl, index: i}
	}
	pkg.Priority = PriorityFor(0, ctrl.RequestID())
	return pkg
}

func TestEngine_IdentityChainRoundTrip(t *testing.T) {
	// GIVEN a two-stage identity chain
	pool := NewPriorityThreadPool(nil, 2)
	defer pool.Stop(true)
	procs := []Processor{
		&stageProcessor{name: "Preprocessor"},
		&stageProcessor{name: "Postprocessor"},
	}
	eng := newEngine(procs, nil, pool)

	rec := &completionRecord{}
	ctrl := newRequestControl(1, "", 3, rec.fn)

	// WHEN a package runs through the chain
	require.True(t, eng.submit(preparedPackage(ctrl, "a", "b", "c")))

	// THEN the output equals the input by index
	testutil.WaitUntil(t, time.Second, "completion", func() bool { c, _, _ := rec.snapshot(); return c == 1 })
	_, status, out := rec.snapshot()
	assert.Equal(t, Success, status)
	require.Len(t, out.Data, 3)
	assert.Equal(t, "a", out.Data[0].Payload)
	assert.Equal(t, "b", out.Data[1].Payload)
	assert.Equal(t, "c", out.Data[2].Payload)
	assert.Equal(t, 0, eng.TaskNum())
}

func TestEngine_TransformsApplyInStageOrder(t *testing.T) {
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	procs := []Processor{
		&stageProcessor{name: "double", transform: func(v any) any { return v.(int) * 2 }},
		&stageProcessor{name: "inc", transform: func(v any) any { return v.(int) + 1 }},
	}
	eng := newEngine(procs, nil, pool)

	rec := &completionRecord{}
	ctrl := newRequestControl(1, "", 2, rec.fn)
	require.True(t, eng.submit(preparedPackage(ctrl, 10, 20)))

	testutil.WaitUntil(t, time.Second, "completion", func() bool { c, _, _ := rec.snapshot(); return c == 1 })
	_, _, out := rec.snapshot()
	assert.Equal(t, 21, out.Data[0].Payload) // (10*2)+1
	assert.Equal(t, 41, out.Data[1].Payload)
}

func TestEngine_StageFailureTerminatesRequest(t *testing.T) {
	// GIVEN a chain whose middle stage fails
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	tail := &stageProcessor{name: "tail"}
	procs := []Processor{
		&stageProcessor{name: "head"},
		&stageProcessor{name: "broken", status: ErrorBackend},
		tail,
	}
	eng := newEngine(procs, nil, pool)

	rec := &completionRecord{}
	ctrl := newRequestControl(1, "", 2, rec.fn)
	require.True(t, eng.submit(preparedPackage(ctrl, "x", "y")))

	// THEN the request completes with the stage's status and the tail
	// stage never runs
	testutil.WaitUntil(t, time.Second, "completion", func() bool { c, _, _ := rec.snapshot(); return c == 1 })
	_, status, _ := rec.snapshot()
	assert.Equal(t, ErrorBackend, status)
	assert.EqualValues(t, 0, tail.calls.Load())
	testutil.WaitUntil(t, time.Second, "engine drain", func() bool { return eng.TaskNum() == 0 })
}

func TestEngine_RecordsPerStagePerf(t *testing.T) {
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	procs := []Processor{
		&stageProcessor{name: "Preprocessor", delay: 2 * time.Millisecond},
		&stageProcessor{name: "Postprocessor"},
	}
	eng := newEngine(procs, nil, pool)

	rec := &completionRecord{}
	ctrl := newRequestControl(1, "", 1, rec.fn)
	require.True(t, eng.submit(preparedPackage(ctrl, "x")))

	testutil.WaitUntil(t, time.Second, "completion", func() bool { c, _, _ := rec.snapshot(); return c == 1 })
	_, _, out := rec.snapshot()
	require.NotNil(t, out.Perf)
	assert.Contains(t, out.Perf, "Preprocessor")
	assert.Contains(t, out.Perf, "Postprocessor")
	assert.GreaterOrEqual(t, out.Perf["Preprocessor"], 1.0)
}

func TestEngine_ForkCreatesIndependentInstances(t *testing.T) {
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	stateful := &stageProcessor{name: "stateful"}
	eng := newEngine([]Processor{stateful}, nil, pool)

	forked := eng.Fork()

	// The fork holds a distinct processor instance with its own lock
	require.Len(t, forked.nodes, 1)
	assert.NotSame(t, eng.nodes[0].proc, forked.nodes[0].proc)
	assert.NotSame(t, eng.nodes[0].mu, forked.nodes[0].mu)
	assert.EqualValues(t, 1, stateful.forks.Load())
}

func TestEngine_ForkSharesStatelessInstanceAndLock(t *testing.T) {
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	shared := NewPassthroughProcessor("shared")
	eng := newEngine([]Processor{shared}, nil, pool)

	forked := eng.Fork()

	// A processor returning itself from Fork keeps its instance and lock
	assert.Same(t, eng.nodes[0].proc, forked.nodes[0].proc)
	assert.Same(t, eng.nodes[0].mu, forked.nodes[0].mu)
}

func TestEngine_DoneNotifierFiresPerPackage(t *testing.T) {
	pool := NewPriorityThreadPool(nil, 1)
	defer pool.Stop(true)
	var notifications atomic.Int32
	eng := newEngine([]Processor{&stageProcessor{name: "only"}}, func(_ *Engine) { notifications.Add(1) }, pool)

	var completions atomic.Int32
	for i := 0; i < 5; i++ {
		ctrl := newRequestControl(int64(i+1), "", 1, func(Status, *Package) { completions.Add(1) })
		require.True(t, eng.submit(preparedPackage(ctrl, i)))
	}

	testutil.WaitUntil(t, time.Second, "all completions", func() bool { return completions.Load() == 5 })
	testutil.WaitUntil(t, time.Second, "all notifications", func() bool { return notifications.Load() == 5 })
	assert.Equal(t, 0, eng.TaskNum())
}
