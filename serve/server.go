package serve

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferflow/inferflow/serve/model"
)

// DeviceContext validates device ids and binds the device to pool workers.
// The default context accepts any non-negative id and binds nothing;
// deployments register the real one before creating servers.
type DeviceContext interface {
	CheckDevice(deviceID int) bool
	Bind(deviceID int) error
}

type defaultDeviceContext struct{}

func (defaultDeviceContext) CheckDevice(deviceID int) bool { return deviceID >= 0 }
func (defaultDeviceContext) Bind(int) error                { return nil }

var (
	deviceCtxMu sync.Mutex
	deviceCtx   DeviceContext = defaultDeviceContext{}
)

// SetDeviceContext registers the device binding hooks. Must be called
// before the first server for a device is created.
func SetDeviceContext(ctx DeviceContext) {
	deviceCtxMu.Lock()
	defer deviceCtxMu.Unlock()
	if ctx != nil {
		deviceCtx = ctx
	}
}

func deviceContext() DeviceContext {
	deviceCtxMu.Lock()
	defer deviceCtxMu.Unlock()
	return deviceCtx
}

// serverInstance is the per-device state: the shared thread pool and the
// directory of executors keyed by configuration fingerprint.
type serverInstance struct {
	deviceID int
	pool     *PriorityThreadPool

	mu        sync.Mutex
	executors map[string]*Executor

	poolMu sync.Mutex
}

var registry struct {
	mu        sync.Mutex
	instances map[int]*serverInstance
}

func instanceFor(deviceID int) (*serverInstance, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.instances == nil {
		registry.instances = make(map[int]*serverInstance)
	}
	if inst, ok := registry.instances[deviceID]; ok {
		return inst, nil
	}
	ctx := deviceContext()
	if !ctx.CheckDevice(deviceID) {
		return nil, fmt.Errorf("invalid device id %d", deviceID)
	}
	inst := &serverInstance{
		deviceID:  deviceID,
		executors: make(map[string]*Executor),
		pool: NewPriorityThreadPool(func() bool {
			if err := ctx.Bind(deviceID); err != nil {
				logrus.Errorf("bind device %d to worker failed: %v", deviceID, err)
				return false
			}
			return true
		}, 0),
	}
	registry.instances[deviceID] = inst
	logrus.Infof("initialized server instance for device %d", deviceID)
	return inst, nil
}

// Shutdown stops every server instance and resets the process-wide
// registry. Intended for tests; callers must have unlinked all executors
// (destroyed all sessions) first.
func Shutdown() {
	registry.mu.Lock()
	instances := registry.instances
	registry.instances = nil
	registry.mu.Unlock()
	for _, inst := range instances {
		inst.mu.Lock()
		leftover := len(inst.executors)
		inst.mu.Unlock()
		if leftover > 0 {
			logrus.Warnf("device %d shut down with %d executors still linked", inst.deviceID, leftover)
		}
		inst.pool.Stop(true)
	}
}

// InferServer is the process-level entry point for one device. Creating
// several InferServer values for the same device shares the underlying
// instance.
type InferServer struct {
	inst *serverInstance
}

// NewInferServer returns the server for the device, creating the per-device
// instance on first use.
func NewInferServer(deviceID int) (*InferServer, error) {
	inst, err := instanceFor(deviceID)
	if err != nil {
		return nil, err
	}
	return &InferServer{inst: inst}, nil
}

// CreateSession returns a session handle over the executor matching the
// desc's fingerprint, creating the executor on first use. The session is
// asynchronous when an observer is supplied, synchronous otherwise.
func (s *InferServer) CreateSession(desc SessionDesc, observer Observer) (*Session, error) {
	if desc.Model == nil {
		return nil, fmt.Errorf("create session %q: model is nil", desc.Name)
	}
	if desc.Preproc == nil {
		return nil, fmt.Errorf("create session %q: preprocessor is nil", desc.Name)
	}
	if desc.Postproc == nil {
		logrus.Warn("postprocessor not set, using passthrough postprocessor by default")
		desc.Postproc = NewPassthroughProcessor("Postprocessor")
	}

	exec, err := s.inst.createExecutor(desc)
	if err != nil {
		return nil, err
	}
	sess := newSession(desc.Name, exec, observer == nil, desc.ShowPerf)
	sess.observer = observer
	exec.Link(sess)
	return sess, nil
}

func (inst *serverInstance) createExecutor(desc SessionDesc) (*Executor, error) {
	name := desc.fingerprint()
	inst.mu.Lock()
	if exec, ok := inst.executors[name]; ok {
		inst.mu.Unlock()
		logrus.Debugf("executor already exists: %s", name)
		return exec, nil
	}
	execDesc := desc
	execDesc.Name = name
	exec, err := newExecutor(execDesc, inst.pool, inst.deviceID)
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	inst.executors[name] = exec
	inst.mu.Unlock()

	// grow the shared pool to fit the new engines, bounded by the host
	inst.poolMu.Lock()
	size := inst.pool.Size()
	maxThreads := 3 * runtime.NumCPU()
	if size < maxThreads {
		inst.pool.Resize(min(size+3*exec.EngineNum(), maxThreads))
	}
	inst.poolMu.Unlock()
	logrus.Debugf("created executor: %s", name)
	return exec, nil
}

// DestroySession unlinks the session from its executor; the last session to
// unlink destroys the executor and shrinks the shared pool.
func (s *InferServer) DestroySession(sess *Session) bool {
	if sess == nil {
		logrus.Error("DestroySession: session is nil")
		return false
	}
	exec := sess.executor
	inst := s.inst
	inst.mu.Lock()
	if inst.executors[exec.Name()] != exec {
		inst.mu.Unlock()
		logrus.Warn("session does not belong to this InferServer")
		return false
	}
	left := exec.Unlink(sess)
	sess.close()
	if left > 0 {
		inst.mu.Unlock()
		return true
	}
	delete(inst.executors, exec.Name())
	inst.mu.Unlock()

	engineNum := exec.EngineNum()
	exec.Destroy()

	// shrink to fit the remaining task load
	inst.poolMu.Lock()
	shrink := 2 * engineNum
	if inst.pool.IdleNumber() >= shrink {
		inst.pool.Resize(inst.pool.Size() - shrink)
	}
	inst.poolMu.Unlock()
	return true
}

// Request submits a package asynchronously. Results arrive on the session's
// observer, once per input unit. Returns false when the session is closed
// or mismatched, the input is empty, or the cache stays full past timeout.
func (s *InferServer) Request(sess *Session, pkg *Package, userData any, timeout time.Duration) bool {
	if sess == nil || pkg == nil {
		logrus.Error("Request: session or input is nil")
		return false
	}
	if sess.IsSyncLink() {
		logrus.Error("sync session cannot be invoked with the async api")
		return false
	}
	if !sess.executor.WaitIfCacheFull(timeout) {
		logrus.Warnf("%s] session is busy, request timeout", sess.Name())
		return false
	}
	observer := sess.observer
	return sess.Send(pkg, func(st Status, out *Package) {
		for i := 0; i < out.DataNum; i++ {
			var unit *InferData
			if i < len(out.Data) {
				unit = out.Data[i]
			}
			observer.Notify(st, unit, userData)
		}
	}) != nil
}

// RequestSync submits a package and blocks until completion or timeout. The
// time spent waiting for cache space counts against the caller's timeout.
// The bool result reports whether the request entered the pipeline.
func (s *InferServer) RequestSync(sess *Session, pkg *Package, timeout time.Duration) (Status, *Package, bool) {
	if sess == nil || pkg == nil {
		logrus.Error("RequestSync: session or input is nil")
		return InvalidParam, nil, false
	}
	if !sess.IsSyncLink() {
		logrus.Error("async session cannot be invoked with the sync api")
		return InvalidParam, nil, false
	}
	waitStart := time.Now()
	if !sess.executor.WaitIfCacheFull(timeout) {
		logrus.Warnf("%s] session is busy, request timeout", sess.Name())
		return Timeout, nil, false
	}
	if timeout > 0 {
		timeout -= time.Since(waitStart)
		if timeout < time.Millisecond {
			logrus.Warnf("%s] session is busy, request timeout", sess.Name())
			return Timeout, nil, false
		}
	}
	return sess.SendSync(pkg, timeout)
}

// WaitTaskDone blocks until all in-flight requests with the tag complete.
func (s *InferServer) WaitTaskDone(sess *Session, tag string) {
	if sess == nil {
		return
	}
	sess.executor.WaitTaskDone(tag)
}

// DiscardTask marks all in-flight requests with the tag discarded.
func (s *InferServer) DiscardTask(sess *Session, tag string) {
	if sess == nil {
		return
	}
	sess.executor.DiscardTask(tag)
}

// ExecutorNum returns the number of live executors on this device.
func (s *InferServer) ExecutorNum() int {
	s.inst.mu.Lock()
	defer s.inst.mu.Unlock()
	return len(s.inst.executors)
}

// GetPerformance returns the session's per-stage latency statistics.
func (s *InferServer) GetPerformance(sess *Session) map[string]PerfStatistic {
	if sess == nil {
		return nil
	}
	return sess.GetPerformance()
}

// SetModelDir sets the directory model uris resolve against.
func (s *InferServer) SetModelDir(dir string) bool {
	if err := model.Default().SetModelDir(dir); err != nil {
		logrus.Errorf("SetModelDir: %v", err)
		return false
	}
	return true
}

// LoadModel loads (or re-references) a model through the process-global
// model manager.
func (s *InferServer) LoadModel(uri, funcName string) (*model.Model, error) {
	return model.Default().Load(uri, funcName)
}

// UnloadModel drops one reference to the model.
func (s *InferServer) UnloadModel(m *model.Model) bool {
	return model.Default().Unload(m)
}

// ClearModelCache evicts idle models from the model cache.
func (s *InferServer) ClearModelCache() {
	model.Default().ClearCache()
}
