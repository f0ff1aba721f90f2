// Package scheduler drives one-off transactions and periodic polls against
// the Modbus fleet: a cron-based fixed-rate loop for polls (with no
// concurrent overlap of the same poll, but catch-up after a slow tick),
// and a bounded worker pool for one-time reads and writes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/edgeflow/modbusmgr/internal/txexec"
	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
	"github.com/edgeflow/modbusmgr/pkg/modbus/request"
	"github.com/edgeflow/modbusmgr/pkg/modbus/task"
)

// maxOneOffInFlight bounds the worker pool backing one-time submissions so
// a burst of ad-hoc reads can't starve the periodic polls of goroutines.
const maxOneOffInFlight = 32

// registration is the bookkeeping kept per active periodic poll.
type registration struct {
	entryID cron.EntryID
	task    task.Task
	cancel  context.CancelFunc
}

// Scheduler owns the cron loop for periodic polls and a bounded pool for
// one-off work, both of which execute through a shared Executor.
type Scheduler struct {
	exec *txexec.Executor
	log  *zap.Logger

	cronLoop *cron.Cron
	oneOffs  *pool.Pool

	mu    sync.Mutex
	polls map[task.Key]*registration

	runningCtx context.Context
	cancelAll  context.CancelFunc
}

// New builds a Scheduler that executes transactions through exec.
func New(exec *txexec.Executor, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		exec:       exec,
		log:        log,
		cronLoop:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		oneOffs:    pool.New().WithMaxGoroutines(maxOneOffInFlight),
		polls:      make(map[task.Key]*registration),
		runningCtx: ctx,
		cancelAll:  cancel,
	}
	exec.StillRegistered = s.stillRegistered
	return s
}

// Start begins running registered polls.
func (s *Scheduler) Start() {
	s.cronLoop.Start()
}

// Stop cancels all in-flight work and waits for the cron loop to drain.
func (s *Scheduler) Stop() {
	s.cancelAll()
	stopCtx := s.cronLoop.Stop()
	<-stopCtx.Done()
	s.oneOffs.Wait()
}

func (s *Scheduler) stillRegistered(key task.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.polls[key]
	return ok
}

// SubmitOneTimeRead runs a single read asynchronously on the one-off pool.
// Each submission gets a correlation ID so its log lines can be traced
// through the worker pool independent of any other concurrent submission.
func (s *Scheduler) SubmitOneTimeRead(ep endpoint.Key, req request.ReadRequest, cb task.Callback) {
	t := task.NewRead(ep, req, cb)
	submissionID := uuid.NewString()
	s.log.Debug("scheduler: submitted one-time read",
		zap.String("endpoint", ep.String()), zap.String("submission_id", submissionID))
	s.oneOffs.Go(func() { s.exec.Run(s.runningCtx, t) })
}

// SubmitOneTimeWrite runs a single write asynchronously on the one-off
// pool. See SubmitOneTimeRead for the correlation ID rationale.
func (s *Scheduler) SubmitOneTimeWrite(ep endpoint.Key, req request.WriteRequest, cb task.Callback) {
	t := task.NewWrite(ep, req, cb)
	submissionID := uuid.NewString()
	s.log.Debug("scheduler: submitted one-time write",
		zap.String("endpoint", ep.String()), zap.String("submission_id", submissionID))
	s.oneOffs.Go(func() { s.exec.Run(s.runningCtx, t) })
}

// RegisterRegularPoll installs a periodic read as a cron "@every period"
// entry. The cron library rounds period down to whole seconds (minimum one
// second), and the first tick fires one period after registration; ticks
// that fall before initialDelay are skipped, so the first read runs on the
// first tick at or after initialDelay. Registering the same endpoint+request
// pair again replaces the previous registration (its old cron entry is
// removed first) rather than running the two side by side.
func (s *Scheduler) RegisterRegularPoll(ep endpoint.Key, req request.ReadRequest, period, initialDelay time.Duration, cb task.Callback) (task.Key, error) {
	t := task.NewRead(ep, req, cb)
	key := t.Key()

	s.mu.Lock()
	if old, exists := s.polls[key]; exists {
		s.cronLoop.Remove(old.entryID)
		old.cancel()
		delete(s.polls, key)
	}
	s.mu.Unlock()

	eligibleAt := time.Now().Add(initialDelay)
	jobCtx, jobCancel := context.WithCancel(s.runningCtx)
	job := cron.NewChain(cron.DelayIfStillRunning(cron.DefaultLogger)).Then(cron.FuncJob(func() {
		if time.Now().Before(eligibleAt) {
			return
		}
		s.mu.Lock()
		_, stillThere := s.polls[key]
		s.mu.Unlock()
		if !stillThere {
			return
		}
		s.exec.Run(jobCtx, t)
	}))

	entryID, err := s.cronLoop.AddJob(fmt.Sprintf("@every %s", period), job)
	if err != nil {
		jobCancel()
		return task.Key{}, fmt.Errorf("scheduler: registering poll on %s: %w", ep, err)
	}

	s.mu.Lock()
	s.polls[key] = &registration{entryID: entryID, task: t, cancel: jobCancel}
	s.mu.Unlock()

	s.log.Debug("scheduler: registered poll",
		zap.String("endpoint", ep.String()), zap.Duration("period", period), zap.Duration("initialDelay", initialDelay))
	return key, nil
}

// UnregisterRegularPoll removes a previously registered poll. It reports
// whether a registration existed. The cron entry is removed before this
// returns, so no further ticks for key will fire. The poll's context is
// cancelled as well: an attempt already in flight completes its current
// exchange, but a borrow still waiting for the connection gives up, and a
// failed attempt ends with OnError instead of retrying.
func (s *Scheduler) UnregisterRegularPoll(key task.Key) bool {
	s.mu.Lock()
	reg, exists := s.polls[key]
	if exists {
		delete(s.polls, key)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}
	s.cronLoop.Remove(reg.entryID)
	reg.cancel()
	return true
}

// RegisteredPolls returns the keys of all currently active periodic polls.
func (s *Scheduler) RegisteredPolls() []task.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]task.Key, 0, len(s.polls))
	for k := range s.polls {
		keys = append(keys, k)
	}
	return keys
}
