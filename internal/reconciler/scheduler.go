package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncHandle is the future a Scheduler.RequestSync call hands back; it
// resolves once the session it names (or the session it got coalesced
// into) completes.
type SyncHandle struct {
	done   chan struct{}
	once   sync.Once
	result *AccountSyncResult
	err    error
}

func newHandle() *SyncHandle { return &SyncHandle{done: make(chan struct{})} }

func (h *SyncHandle) resolve(res *AccountSyncResult, err error) {
	h.once.Do(func() {
		h.result, h.err = res, err
		close(h.done)
	})
}

// Wait blocks until the session resolves or ctx is done, whichever first.
func (h *SyncHandle) Wait(ctx context.Context) (*AccountSyncResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// accountState tracks one account's in-flight/coalesced scheduling state.
type accountState struct {
	mu               sync.Mutex
	running          bool
	pending          bool
	pendingForceFull bool
	currentWaiters   []*SyncHandle
	nextWaiters      []*SyncHandle
}

// Scheduler is the exposed scheduling surface: request-sync with
// exactly-one coalescing, periodic schedules, and cancel. It is a thin
// wrapper over Reconciler.SyncAccount — all protocol logic lives there.
type Scheduler struct {
	rec    *Reconciler
	log    zerolog.Logger
	syncFn func(ctx context.Context, accountID string, forceFull bool) (*AccountSyncResult, error)

	mu       sync.Mutex
	accounts map[string]*accountState
	periodic map[string]context.CancelFunc
}

func NewScheduler(rec *Reconciler, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		rec:      rec,
		log:      log.With().Str("component", "scheduler").Logger(),
		syncFn:   rec.SyncAccount,
		accounts: make(map[string]*accountState),
		periodic: make(map[string]context.CancelFunc),
	}
}

func (s *Scheduler) stateFor(accountID string) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.accounts[accountID]
	if !ok {
		st = &accountState{}
		s.accounts[accountID] = st
	}
	return st
}

// RequestSync asks for a sync session on accountID. If one is already
// running, the request collapses into the single pending slot beyond it
// rather than queuing unboundedly.
func (s *Scheduler) RequestSync(accountID string, forceFull bool) *SyncHandle {
	st := s.stateFor(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	h := newHandle()
	if !st.running {
		st.running = true
		st.currentWaiters = []*SyncHandle{h}
		go s.run(accountID, forceFull)
		return h
	}

	st.pending = true
	st.pendingForceFull = st.pendingForceFull || forceFull
	st.nextWaiters = append(st.nextWaiters, h)
	return h
}

func (s *Scheduler) run(accountID string, forceFull bool) {
	res, err := s.syncFn(context.Background(), accountID, forceFull)
	if err != nil {
		s.log.Warn().Str("account_id", accountID).Err(err).Msg("scheduler: sync session errored")
	}

	st := s.stateFor(accountID)
	st.mu.Lock()
	waiters := st.currentWaiters
	st.currentWaiters = nil
	st.mu.Unlock()
	for _, h := range waiters {
		h.resolve(res, err)
	}

	st.mu.Lock()
	if st.pending {
		st.pending = false
		ff := st.pendingForceFull
		st.pendingForceFull = false
		st.currentWaiters = st.nextWaiters
		st.nextWaiters = nil
		st.mu.Unlock()
		go s.run(accountID, ff)
		return
	}
	st.running = false
	st.mu.Unlock()
}

// PeriodicHandle identifies a running schedule_periodic loop so Cancel can
// stop it.
type PeriodicHandle struct {
	accountID string
}

// SchedulePeriodic requests a sync for accountID every interval until
// cancelled. Each tick goes through RequestSync, so it inherits the same
// coalescing if a prior tick's session is still running.
func (s *Scheduler) SchedulePeriodic(accountID string, interval time.Duration) *PeriodicHandle {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if old, ok := s.periodic[accountID]; ok {
		old()
	}
	s.periodic[accountID] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RequestSync(accountID, false)
			}
		}
	}()
	return &PeriodicHandle{accountID: accountID}
}

// Cancel stops a periodic schedule. Canceling a one-shot SyncHandle from
// RequestSync is not supported once its session has started executing
// HTTP/store work (no step aborts mid-transaction); Cancel only
// recognizes *PeriodicHandle.
func (s *Scheduler) Cancel(handle *PeriodicHandle) {
	if handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.periodic[handle.accountID]; ok {
		cancel()
		delete(s.periodic, handle.accountID)
	}
}
