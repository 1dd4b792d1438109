package serve

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Observer receives asynchronous results, once per input unit.
type Observer interface {
	Notify(s Status, unit *InferData, userData any)
}

// PerfStatistic aggregates the observed wall time of one pipeline stage
// across a session's completed requests. Times are in milliseconds.
type PerfStatistic struct {
	Count int
	Total float64
	Mean  float64
	P95   float64
}

// Session is a user-facing handle onto a shared executor. A session is
// either synchronous (no observer, results via SendSync) or asynchronous
// (observer supplied at creation); the mode is fixed for its lifetime.
type Session struct {
	id       string
	name     string
	executor *Executor
	syncLink bool
	showPerf bool
	observer Observer

	closed atomic.Bool

	perfMu sync.Mutex
	perf   map[string][]float64
}

func newSession(name string, e *Executor, syncLink, showPerf bool) *Session {
	return &Session{
		id:       uuid.NewString(),
		name:     name,
		executor: e,
		syncLink: syncLink,
		showPerf: showPerf,
		perf:     make(map[string][]float64),
	}
}

// Name returns the user-supplied session name.
func (s *Session) Name() string { return s.name }

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// IsSyncLink reports whether the session was created without an observer.
func (s *Session) IsSyncLink() bool { return s.syncLink }

func (s *Session) close() { s.closed.Store(true) }

// Send submits a package asynchronously. onDone fires exactly once with the
// aggregated status and the reassembled output. Returns nil when the
// session is closed, the input is empty, or the cache refuses the package;
// in those cases onDone never fires.
func (s *Session) Send(pkg *Package, onDone ResponseFunc) *RequestControl {
	if s.closed.Load() {
		logrus.Errorf("%s] session is closed", s.name)
		return nil
	}
	if pkg == nil || len(pkg.Data) == 0 {
		logrus.Errorf("%s] input package is empty", s.name)
		return nil
	}
	expected := pkg.DataNum
	if expected < len(pkg.Data) {
		expected = len(pkg.Data)
	}

	cb := onDone
	if s.showPerf {
		cb = func(st Status, out *Package) {
			s.recordPerf(out.Perf)
			if onDone != nil {
				onDone(st, out)
			}
		}
	}
	ctrl := s.executor.createControl(pkg.Tag, expected, cb)
	for i, it := range pkg.Data {
		it.desc = &TaskDesc{ctrl: ctrl, index: i}
	}
	if !s.executor.cache.Push(pkg) {
		s.executor.abortControl(ctrl)
		return nil
	}
	requestsTotal.Inc()
	return ctrl
}

// SendSync submits a package and blocks until it completes or timeout
// expires. The whole request times out as one: on timeout the request is
// discarded, Timeout is returned, and the eventual late completion is not
// observable by the caller. The second return is the output package (nil on
// timeout), the third reports whether the package entered the pipeline.
func (s *Session) SendSync(pkg *Package, timeout time.Duration) (Status, *Package, bool) {
	type result struct {
		status Status
		out    *Package
	}
	done := make(chan result, 1)
	ctrl := s.Send(pkg, func(st Status, out *Package) {
		done <- result{status: st, out: out}
	})
	if ctrl == nil {
		return InvalidParam, nil, false
	}
	if timeout > 0 {
		select {
		case r := <-done:
			return r.status, r.out, true
		case <-time.After(timeout):
			logrus.Warnf("%s] request %d timed out, discarding", s.name, ctrl.RequestID())
			ctrl.Discard()
			return Timeout, nil, true
		}
	}
	r := <-done
	return r.status, r.out, true
}

func (s *Session) recordPerf(perf map[string]float64) {
	if len(perf) == 0 {
		return
	}
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	for name, ms := range perf {
		s.perf[name] = append(s.perf[name], ms)
	}
}

// GetPerformance returns per-stage latency statistics accumulated since the
// session was created. Empty unless the session was created with ShowPerf.
func (s *Session) GetPerformance() map[string]PerfStatistic {
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	out := make(map[string]PerfStatistic, len(s.perf))
	for name, samples := range s.perf {
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		out[name] = PerfStatistic{
			Count: len(sorted),
			Total: floats.Sum(sorted),
			Mean:  stat.Mean(sorted, nil),
			P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		}
	}
	return out
}
