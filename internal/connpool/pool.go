// Package connpool manages one physical connection per Modbus endpoint,
// enforcing the single-connection-per-endpoint rule real Modbus slaves
// require, fair FIFO access when multiple callers contend for it, and the
// inter-transaction pacing and reconnect aging the protocol's slower slaves
// need to stay happy.
package connpool

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
)

// Conn is a live transport connection to one endpoint.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
}

// Dialer opens a new Conn for an endpoint. The pool calls it only while
// holding that endpoint's slot, so implementations don't need their own
// per-endpoint locking.
type Dialer interface {
	Dial(ctx context.Context, key endpoint.Key) (Conn, error)
}

// Lease is a borrowed connection plus the bookkeeping needed to return it.
type Lease struct {
	Conn Conn
	pool *Pool
	key  endpoint.Key
}

// Release returns the connection to the pool for reuse by the next waiter.
func (l *Lease) Release() {
	l.pool.release(l.key, l.Conn, true)
}

// Invalidate closes the connection and discards it; the next borrower will
// dial fresh. Used after an I/O error or transaction ID mismatch, per the
// executor's retry policy.
func (l *Lease) Invalidate() {
	l.pool.release(l.key, l.Conn, false)
}

// slot is the per-endpoint state: at most one connection, at most one
// holder, and a FIFO queue of waiters.
type slot struct {
	mu          sync.Mutex
	held        bool
	waiters     *list.List // of chan struct{}
	conn           Conn
	connectedAt    time.Time
	lastReturn     time.Time
	cfg            endpoint.PoolConfig
	disconnectNext bool
}

// Pool owns one slot per endpoint.Key, created lazily on first borrow.
type Pool struct {
	dialer Dialer
	log    *zap.Logger

	mu    sync.Mutex
	slots map[endpoint.Key]*slot
}

// New builds a Pool that dials new connections through dialer.
func New(dialer Dialer, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		dialer: dialer,
		log:    log,
		slots:  make(map[endpoint.Key]*slot),
	}
}

func (p *Pool) slotFor(key endpoint.Key) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok {
		s = &slot{
			waiters: list.New(),
			cfg:     endpoint.DefaultFor(key),
		}
		p.slots[key] = s
	}
	return s
}

// SetPoolConfig replaces the pool configuration for key. Pacing and
// reconnect aging use it from the next borrow, the connect settings from
// the next dial; an idle or borrowed connection is not closed by the change.
func (p *Pool) SetPoolConfig(key endpoint.Key, cfg endpoint.PoolConfig) {
	s := p.slotFor(key)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// acquireTurn waits in FIFO order for exclusive access to the slot. Callers
// must already hold no lock; on success the slot's mu is held by the
// caller's logical turn (tracked via s.held, not the mutex itself, so other
// goroutines can still inspect/queue).
func (s *slot) acquireTurn(ctx context.Context) error {
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// If we were already signalled between the done-check and the
		// lock, drop the grant onto the next waiter instead of losing it.
		select {
		case <-ch:
			s.mu.Unlock()
			s.releaseTurn()
			return ctx.Err()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
			return ctx.Err()
		}
	}
}

// releaseTurn hands the slot to the next FIFO waiter, or marks it free.
func (s *slot) releaseTurn() {
	s.mu.Lock()
	front := s.waiters.Front()
	if front == nil {
		s.held = false
		s.mu.Unlock()
		return
	}
	s.waiters.Remove(front)
	s.mu.Unlock()
	close(front.Value.(chan struct{}))
}

// Borrow obtains the connection for key, dialing (with retry) if none is
// idle or the idle connection has aged past ReconnectAfter. It blocks,
// FIFO-fair, until any other holder of this endpoint's slot releases it.
func (p *Pool) Borrow(ctx context.Context, key endpoint.Key) (*Lease, error) {
	s := p.slotFor(key)
	if err := s.acquireTurn(ctx); err != nil {
		return nil, fmt.Errorf("connpool: waiting for %s: %w", key, err)
	}

	s.mu.Lock()
	cfg := s.cfg
	conn := s.conn
	connectedAt := s.connectedAt
	lastReturn := s.lastReturn
	s.mu.Unlock()

	if conn != nil && cfg.ReconnectAfter > 0 && time.Since(connectedAt) > cfg.ReconnectAfter {
		p.log.Debug("connpool: reconnecting aged connection", zap.String("endpoint", key.String()))
		_ = conn.Close()
		conn = nil
	}

	if !lastReturn.IsZero() && cfg.PassivateBorrowMin > 0 {
		if wait := cfg.PassivateBorrowMin - time.Since(lastReturn); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				s.releaseTurn()
				return nil, fmt.Errorf("connpool: pacing wait for %s: %w", key, ctx.Err())
			}
		}
	}

	if conn == nil {
		dialed, err := p.dialWithRetry(ctx, key, cfg)
		if err != nil {
			s.releaseTurn()
			return nil, err
		}
		conn = dialed
		s.mu.Lock()
		s.connectedAt = time.Now()
		s.mu.Unlock()
		if cfg.AfterConnectDelay > 0 {
			t := time.NewTimer(cfg.AfterConnectDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}

	return &Lease{Conn: conn, pool: p, key: key}, nil
}

func (p *Pool) dialWithRetry(ctx context.Context, key endpoint.Key, cfg endpoint.PoolConfig) (Conn, error) {
	var lastErr error
	tries := cfg.ConnectMaxTries
	if tries < 1 {
		tries = 1
	}
	for attempt := 1; attempt <= tries; attempt++ {
		dialCtx := ctx
		var cancel context.CancelFunc
		if cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		}
		conn, err := p.dialer.Dial(dialCtx, key)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.log.Warn("connpool: dial attempt failed",
			zap.String("endpoint", key.String()), zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connpool: dialing %s: %w", key, ctx.Err())
		}
	}
	return nil, fmt.Errorf("connpool: dialing %s after %d attempts: %w", key, tries, lastErr)
}

// release is shared by Lease.Release and Lease.Invalidate.
func (p *Pool) release(key endpoint.Key, conn Conn, keep bool) {
	s := p.slotFor(key)
	s.mu.Lock()
	if keep && s.disconnectNext {
		keep = false
	}
	s.disconnectNext = false
	if keep {
		s.conn = conn
	} else {
		if s.conn == conn {
			s.conn = nil
		}
		_ = conn.Close()
	}
	s.lastReturn = time.Now()
	s.mu.Unlock()
	s.releaseTurn()
}

// Clear closes and discards any idle connection for key without affecting
// a currently borrowed one. Used when a poll is unregistered and the
// manager wants to drop the endpoint's idle connection immediately.
func (p *Pool) Clear(key endpoint.Key) {
	s := p.slotFor(key)
	s.mu.Lock()
	if s.held {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Stats reports how many endpoints the pool knows about and how many of
// those currently have an open connection (idle or borrowed). Used to
// feed metrics and the pool-utilization health check.
func (p *Pool) Stats() (open, total int) {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	total = len(slots)
	for _, s := range slots {
		s.mu.Lock()
		if s.conn != nil || s.held {
			open++
		}
		s.mu.Unlock()
	}
	return open, total
}

// CloseAll closes every endpoint's idle connection and marks any currently
// borrowed connection to be closed on return, across all endpoints the pool
// has ever seen - not just the ones with a registered poll. Used by the
// manager on deactivation so one-off-only endpoints don't leak an open
// connection past the pool's own lifetime.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	keys := make([]endpoint.Key, 0, len(p.slots))
	for k := range p.slots {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.DisconnectOnReturn(k)
		p.Clear(k)
	}
}

// DisconnectOnReturn marks the endpoint so its connection is closed on the
// next return instead of kept idle, without disturbing an in-flight
// borrow. Used when unregistering a poll so the connection doesn't sit
// open for an endpoint nothing is using any more.
func (p *Pool) DisconnectOnReturn(key endpoint.Key) {
	s := p.slotFor(key)
	s.mu.Lock()
	if !s.held {
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.disconnectNext = true
	s.mu.Unlock()
}
