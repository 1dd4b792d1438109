// Package model provides the process-global model directory: loading,
// reference counting, and caching of model handles shared by executors.
// Actual weight loading is delegated to a pluggable LoadFunc; the package
// owns only the lifecycle.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Model is a loaded model handle. BatchSize is the batch dimension the
// model was compiled for; Handle is the opaque backend object.
type Model struct {
	path     string
	funcName string

	BatchSize int
	Handle    any
}

// New creates a model handle directly, bypassing the manager. Intended for
// tests and for backends that manage their own loading.
func New(path, funcName string, batchSize int) *Model {
	return &Model{path: path, funcName: funcName, BatchSize: batchSize}
}

// Path returns the model's resolved file path.
func (m *Model) Path() string { return m.path }

// FunctionName returns the model function this handle binds.
func (m *Model) FunctionName() string { return m.funcName }

func (m *Model) key() string { return m.path + "_" + m.funcName }

// LoadFunc performs the backend-specific load of a model file.
type LoadFunc func(path, funcName string) (*Model, error)

type entry struct {
	model *Model
	refs  int
}

// Manager is a refcounted model registry. Models in use are pinned;
// unreferenced models move to an LRU of idle handles so a session churn
// does not reload the same model over and over. Concurrent loads of the
// same model are collapsed into one.
type Manager struct {
	mu     sync.Mutex
	dir    string
	load   LoadFunc
	active map[string]*entry
	idle   *lru.Cache[string, *Model]
	sf     singleflight.Group
}

const defaultIdleCacheSize = 16

// NewManager creates a manager with the given loader. load may be nil, in
// which case a stub handle with BatchSize 1 is produced (useful before a
// backend is registered).
func NewManager(load LoadFunc, idleCacheSize int) *Manager {
	if load == nil {
		load = func(path, funcName string) (*Model, error) {
			return &Model{path: path, funcName: funcName, BatchSize: 1}, nil
		}
	}
	if idleCacheSize <= 0 {
		idleCacheSize = defaultIdleCacheSize
	}
	cache, _ := lru.New[string, *Model](idleCacheSize)
	return &Manager{load: load, active: make(map[string]*entry), idle: cache}
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager(nil, defaultIdleCacheSize)
	})
	return defaultManager
}

// SetLoader replaces the backend loader. Existing handles are unaffected.
func (m *Manager) SetLoader(load LoadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if load != nil {
		m.load = load
	}
}

// SetModelDir sets the directory relative model uris resolve against. The
// directory must exist.
func (m *Manager) SetModelDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("model dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model dir %q is not a directory", dir)
	}
	m.mu.Lock()
	m.dir = dir
	m.mu.Unlock()
	return nil
}

func (m *Manager) resolve(uri string) string {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()
	if dir == "" || filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(dir, uri)
}

// Load returns a refcounted handle for the model at uri. Repeated loads of
// the same (uri, funcName) share one handle; concurrent first loads are
// deduplicated.
func (m *Manager) Load(uri, funcName string) (*Model, error) {
	if uri == "" {
		return nil, fmt.Errorf("model uri is empty")
	}
	path := m.resolve(uri)
	key := path + "_" + funcName

	m.mu.Lock()
	if e, ok := m.active[key]; ok {
		e.refs++
		m.mu.Unlock()
		return e.model, nil
	}
	if mod, ok := m.idle.Get(key); ok {
		m.idle.Remove(key)
		m.active[key] = &entry{model: mod, refs: 1}
		m.mu.Unlock()
		logrus.Debugf("model cache hit: %s", key)
		return mod, nil
	}
	loader := m.load
	m.mu.Unlock()

	v, err, _ := m.sf.Do(key, func() (any, error) {
		logrus.Infof("loading model %s (function %s)", path, funcName)
		return loader(path, funcName)
	})
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", path, err)
	}
	mod := v.(*Model)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[key]; ok {
		// another waiter registered the shared handle first
		e.refs++
		return e.model, nil
	}
	m.active[key] = &entry{model: mod, refs: 1}
	return mod, nil
}

// Unload drops one reference. When the last reference is gone the handle
// moves to the idle cache, where LRU pressure may evict it. Returns false
// for a handle the manager does not own.
func (m *Manager) Unload(mod *Model) bool {
	if mod == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[mod.key()]
	if !ok || e.model != mod {
		return false
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.active, mod.key())
		m.idle.Add(mod.key(), mod)
	}
	return true
}

// ClearCache evicts every idle model. Models still referenced are kept.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idle.Purge()
}

// CachedNum returns the number of idle cached models.
func (m *Manager) CachedNum() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle.Len()
}

// ActiveNum returns the number of models currently referenced.
func (m *Manager) ActiveNum() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
