package serve

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionRecord captures a control's completion for assertions.
type completionRecord struct {
	mu     sync.Mutex
	count  int
	status Status
	out    *Package
}

func (r *completionRecord) fn(s Status, out *Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.status = s
	r.out = out
}

func (r *completionRecord) snapshot() (int, Status, *Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, r.status, r.out
}

func TestRequestControl_CompletesOnceAllUnitsReport(t *testing.T) {
	// GIVEN a control expecting 3 units
	rec := &completionRecord{}
	ctrl := newRequestControl(1, "", 3, rec.fn)

	// WHEN units report out of index order
	ctrl.ProcessDone(Success, &InferData{Payload: "b"}, 1, nil)
	ctrl.ProcessDone(Success, &InferData{Payload: "c"}, 2, nil)
	count, _, _ := rec.snapshot()
	assert.Equal(t, 0, count)
	ctrl.ProcessDone(Success, &InferData{Payload: "a"}, 0, nil)

	// THEN the callback fires exactly once with output reassembled by index
	count, status, out := rec.snapshot()
	require.Equal(t, 1, count)
	assert.Equal(t, Success, status)
	require.Len(t, out.Data, 3)
	assert.Equal(t, "a", out.Data[0].Payload)
	assert.Equal(t, "b", out.Data[1].Payload)
	assert.Equal(t, "c", out.Data[2].Payload)
	assert.True(t, ctrl.Completed())
}

func TestRequestControl_FirstFailureWins(t *testing.T) {
	// GIVEN a control expecting 3 units
	rec := &completionRecord{}
	ctrl := newRequestControl(2, "", 3, rec.fn)

	// WHEN one unit fails between two successes
	ctrl.ProcessDone(Success, nil, 0, nil)
	ctrl.ProcessDone(ErrorBackend, nil, 1, nil)
	ctrl.ProcessDone(Success, nil, 2, nil)

	// THEN the aggregated status is the failure; Success never overwrites
	count, status, _ := rec.snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, ErrorBackend, status)
}

func TestRequestControl_LaterFailureDoesNotOverwriteEarlier(t *testing.T) {
	rec := &completionRecord{}
	ctrl := newRequestControl(3, "", 2, rec.fn)

	ctrl.ProcessDone(WrongType, nil, 0, nil)
	ctrl.ProcessDone(ErrorBackend, nil, 1, nil)

	_, status, _ := rec.snapshot()
	assert.Equal(t, WrongType, status)
}

func TestRequestControl_ProcessFailedCompletesRemaining(t *testing.T) {
	// GIVEN a control with one unit already reported
	rec := &completionRecord{}
	ctrl := newRequestControl(4, "", 4, rec.fn)
	ctrl.ProcessDone(Success, nil, 0, nil)

	// WHEN the pipeline fails the request
	ctrl.ProcessFailed(ErrorBackend)

	// THEN completion fires once with the failure status
	count, status, _ := rec.snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, ErrorBackend, status)

	// AND late results are dropped silently
	ctrl.ProcessDone(Success, nil, 1, nil)
	count, _, _ = rec.snapshot()
	assert.Equal(t, 1, count)
}

func TestRequestControl_DiscardCompletesWithSuccess(t *testing.T) {
	// Cancellation is not an error: a discarded request completes with
	// Success and no output.
	rec := &completionRecord{}
	ctrl := newRequestControl(5, "tag-a", 2, rec.fn)

	ctrl.Discard()
	assert.True(t, ctrl.IsDiscarded())
	ctrl.ProcessFailed(Success)

	count, status, _ := rec.snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, Success, status)
}

func TestRequestControl_ConcurrentProcessDoneFiresOnce(t *testing.T) {
	// GIVEN many units reporting concurrently
	const units = 64
	rec := &completionRecord{}
	ctrl := newRequestControl(6, "", units, rec.fn)

	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctrl.ProcessDone(Success, &InferData{Payload: idx}, idx, nil)
		}(i)
	}
	wg.Wait()

	// THEN exactly one completion with every index filled
	count, _, out := rec.snapshot()
	require.Equal(t, 1, count)
	for i := 0; i < units; i++ {
		require.NotNil(t, out.Data[i], "index %d missing", i)
		assert.Equal(t, i, out.Data[i].Payload)
	}
}

func TestRequestControl_AggregatesPerf(t *testing.T) {
	rec := &completionRecord{}
	ctrl := newRequestControl(7, "", 2, rec.fn)

	ctrl.ProcessDone(Success, nil, 0, map[string]float64{"Predictor": 1.5})
	ctrl.ProcessDone(Success, nil, 1, map[string]float64{"Predictor": 2.5})

	_, _, out := rec.snapshot()
	assert.InDelta(t, 4.0, out.Perf["Predictor"], 1e-9)
}

func TestRequestControl_TagIsVisible(t *testing.T) {
	ctrl := newRequestControl(8, "batch-42", 1, nil)
	assert.Equal(t, "batch-42", ctrl.Tag())
	assert.EqualValues(t, 8, ctrl.RequestID())
}
