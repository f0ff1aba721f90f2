// Package manager exposes the single externally addressable entity that
// owns the connection pool and scheduler, accepts submit/register/
// unregister calls from consumers, and publishes endpoint pool
// configuration changes to listeners.
package manager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/modbusmgr/internal/connpool"
	"github.com/edgeflow/modbusmgr/internal/scheduler"
	"github.com/edgeflow/modbusmgr/internal/txexec"
	"github.com/edgeflow/modbusmgr/internal/wire"
	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
	"github.com/edgeflow/modbusmgr/pkg/modbus/task"
)

// Config configures Activate.
type Config struct {
	// Dialer opens connections for pooled endpoints. Required.
	Dialer connpool.Dialer
	// Trace, if set, receives the raw bytes of every request/response ADU.
	Trace wire.TraceFunc
	// Metrics, if set, is notified of every transaction outcome and
	// per-attempt error kind.
	Metrics txexec.MetricsSink
	// RequestTimeout bounds how long a single transaction attempt waits
	// for a response. Defaults to 2s if zero.
	RequestTimeout time.Duration
}

// Listener is notified synchronously whenever an endpoint's pool
// configuration changes.
type Listener func(key endpoint.Key, cfg endpoint.PoolConfig)

// ListenerHandle identifies a registered Listener for RemoveListener.
type ListenerHandle int64

// atomicTxnIDs is the TransactionIDSource shared by the Manager's
// Executor: a process-wide monotonic counter is sufficient since MBAP
// transaction IDs only need to be unique within one in-flight request per
// connection, and the pool already serialises per endpoint.
type atomicTxnIDs struct{ next uint32 }

func (a *atomicTxnIDs) Next() uint16 {
	return uint16(atomic.AddUint32(&a.next, 1))
}

// Manager owns the pool and scheduler for one Modbus deployment and is
// safe for concurrent use by any number of goroutines.
type Manager struct {
	log    *zap.Logger
	closed bool

	mu        sync.Mutex
	active    bool
	pool      *connpool.Pool
	exec      *txexec.Executor
	sched     *scheduler.Scheduler
	configs   map[endpoint.Key]endpoint.PoolConfig
	listeners map[ListenerHandle]Listener
	nextID    ListenerHandle
}

// New builds an inactive Manager. Call Activate before submitting work.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:       log,
		configs:   make(map[endpoint.Key]endpoint.PoolConfig),
		listeners: make(map[ListenerHandle]Listener),
	}
}

// Activate reuses the connection pool if one already exists (e.g. after a
// prior Deactivate), builds a fresh executor and scheduler, and starts the
// scheduler. It is an error to activate a permanently closed Manager, or
// one that is already active.
func (m *Manager) Activate(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("manager: cannot activate a closed manager")
	}
	if m.active {
		return fmt.Errorf("manager: already active")
	}
	if cfg.Dialer == nil {
		return fmt.Errorf("manager: Config.Dialer is required")
	}

	if m.pool == nil {
		m.pool = connpool.New(cfg.Dialer, m.log)
		for key, pc := range m.configs {
			m.pool.SetPoolConfig(key, pc)
		}
	}

	// exec and sched are rebuilt on every Activate, even when reusing an
	// existing pool: Scheduler.Stop cancels its runningCtx permanently, so a
	// scheduler that has been through Deactivate can't be restarted and
	// must be replaced rather than reused.
	var opts []txexec.Option
	if cfg.Trace != nil {
		opts = append(opts, txexec.WithTrace(cfg.Trace))
	}
	if cfg.Metrics != nil {
		opts = append(opts, txexec.WithMetricsSink(cfg.Metrics))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, txexec.WithRequestTimeout(cfg.RequestTimeout))
	}
	m.exec = txexec.New(m.pool, &atomicTxnIDs{}, m.log, opts...)
	m.sched = scheduler.New(m.exec, m.log)
	m.sched.Start()
	m.active = true
	return nil
}

// Deactivate unregisters all periodic polls, quiesces the scheduler, and
// closes every endpoint's connection the pool has ever dialed - not just
// the ones with a registered poll, so one-off-only endpoints don't leak an
// open connection past deactivation. The pool structure itself is kept so
// a later Activate can reuse it; the executor and scheduler are rebuilt on
// the next Activate regardless, since a stopped Scheduler can't restart.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	sched := m.sched
	pool := m.pool
	keys := sched.RegisteredPolls()
	m.active = false
	m.mu.Unlock()

	for _, k := range keys {
		sched.UnregisterRegularPoll(k)
	}
	sched.Stop()
	pool.CloseAll()
}

// Close permanently shuts the Manager down; Activate afterward always
// fails.
func (m *Manager) Close() {
	m.Deactivate()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Manager) requireActive() (*scheduler.Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil, fmt.Errorf("manager: not active")
	}
	return m.sched, nil
}

// SubmitOneTimeRead runs a single read asynchronously.
func (m *Manager) SubmitOneTimeRead(ep endpoint.Key, req request.ReadRequest, cb task.Callback) error {
	sched, err := m.requireActive()
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	sched.SubmitOneTimeRead(ep, req, cb)
	return nil
}

// SubmitOneTimeWrite runs a single write asynchronously.
func (m *Manager) SubmitOneTimeWrite(ep endpoint.Key, req request.WriteRequest, cb task.Callback) error {
	sched, err := m.requireActive()
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	sched.SubmitOneTimeWrite(ep, req, cb)
	return nil
}

// RegisterRegularPoll installs (or replaces) a fixed-rate periodic read.
func (m *Manager) RegisterRegularPoll(ep endpoint.Key, req request.ReadRequest, period, initialDelay time.Duration, cb task.Callback) (task.Key, error) {
	sched, err := m.requireActive()
	if err != nil {
		return task.Key{}, err
	}
	if err := req.Validate(); err != nil {
		return task.Key{}, err
	}
	return sched.RegisterRegularPoll(ep, req, period, initialDelay, cb)
}

// UnregisterRegularPoll removes a periodic poll, marks its endpoint's
// connection for disconnect-on-return, and clears any idle connection for
// that endpoint immediately. Reports whether a registration existed.
func (m *Manager) UnregisterRegularPoll(key task.Key) bool {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	sched, pool := m.sched, m.pool
	m.mu.Unlock()

	removed := sched.UnregisterRegularPoll(key)
	if removed {
		pool.DisconnectOnReturn(key.Endpoint)
		pool.Clear(key.Endpoint)
	}
	return removed
}

// RegisteredPolls returns the keys of all currently active periodic
// polls.
func (m *Manager) RegisteredPolls() []task.Key {
	sched, err := m.requireActive()
	if err != nil {
		return nil
	}
	return sched.RegisteredPolls()
}

// PoolStats reports how many known endpoints currently have an open
// connection, for metrics and health reporting. Safe to call whether or
// not the Manager is active.
func (m *Manager) PoolStats() (open, total int) {
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool == nil {
		return 0, 0
	}
	return pool.Stats()
}

// SetEndpointPoolConfiguration updates an endpoint's pool tuning and
// notifies listeners synchronously, before returning.
func (m *Manager) SetEndpointPoolConfiguration(key endpoint.Key, cfg endpoint.PoolConfig) {
	m.mu.Lock()
	m.configs[key] = cfg
	pool := m.pool
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	if pool != nil {
		pool.SetPoolConfig(key, cfg)
	}
	for _, l := range listeners {
		l(key, cfg)
	}
}

// GetEndpointPoolConfiguration returns the configuration last set for
// key, or the transport's stock default if none was ever set.
func (m *Manager) GetEndpointPoolConfiguration(key endpoint.Key) endpoint.PoolConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[key]; ok {
		return cfg
	}
	return endpoint.DefaultFor(key)
}

// AddListener registers a listener for pool configuration changes and
// returns a handle for RemoveListener.
func (m *Manager) AddListener(l Listener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	return id
}

// RemoveListener unregisters a listener previously added with
// AddListener.
func (m *Manager) RemoveListener(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, h)
}
