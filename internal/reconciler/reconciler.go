// Package reconciler runs the per-(account, calendar) sync
// session that drives change-detection -> pull -> push -> commit, plus the
// exposed Scheduler and Account-lifecycle interfaces that sit on
// top of it. It is the one place that wires internal/discovery,
// internal/changedetector, internal/pull, internal/push, and
// internal/quirks together against one internal/transport.Client per
// account.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sonroyaalmerol/caldav-sync/internal/cache"
	"github.com/sonroyaalmerol/caldav-sync/internal/changedetector"
	"github.com/sonroyaalmerol/caldav-sync/internal/config"
	"github.com/sonroyaalmerol/caldav-sync/internal/credstore"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/occurrence"
	"github.com/sonroyaalmerol/caldav-sync/internal/pull"
	"github.com/sonroyaalmerol/caldav-sync/internal/push"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// State is one step of the session lifecycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateDiscovering State = "DISCOVERING"
	StateDetecting   State = "DETECTING"
	StatePulling     State = "PULLING"
	StatePushing     State = "PUSHING"
	StateFullResync  State = "FULL_RESYNC"
	StateCommit      State = "COMMIT"
)

// inProgressTTL bounds how long a registry entry survives a session that
// crashed without clearing it; new sessions past this are allowed to
// proceed rather than deadlock forever.
const inProgressTTL = 30 * time.Minute

// Reconciler owns the components the session lifecycle wires together. One
// Reconciler instance serves every account; per-account transports are
// built fresh from freshly-fetched credentials each session so a rotated
// credential always produces a new transport.Client; a credentials value is
// immutable once bound into a transport.
type Reconciler struct {
	st       store.Store
	creds    credstore.Store
	codec    ics.Codec
	occEng   occurrence.Engine
	cfg      config.SyncConfig
	trCfg    config.TransportConfig
	log      zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // calendar id -> per-calendar mutex

	inProgress *cache.Cache[string, time.Time] // "account:calendar" -> start instant
}

func New(st store.Store, creds credstore.Store, codec ics.Codec, occEng occurrence.Engine, cfg config.SyncConfig, trCfg config.TransportConfig, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		st: st, creds: creds, codec: codec, occEng: occEng,
		cfg: cfg, trCfg: trCfg,
		log:        log.With().Str("component", "reconciler").Logger(),
		locks:      make(map[string]*sync.Mutex),
		inProgress: cache.New[string, time.Time](inProgressTTL),
	}
}

func (r *Reconciler) calendarLock(calendarID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.locks[calendarID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[calendarID] = m
	}
	return m
}

// AccountSyncResult is the terminal outcome of one SyncAccount call: the
// most severe per-calendar result plus each calendar's own session record,
// the shape the Scheduler's SyncHandle resolves to.
type AccountSyncResult struct {
	AccountID       string
	Result          model.SessionResult
	CalendarResults map[string]*model.SyncSession
}

// SyncAccount runs one session per calendar belonging to accountID,
// concurrently, serialized per calendar by calendarLock, and aborts the
// whole account's remaining calendars the moment any one of them hits an
// Auth.* error.
func (r *Reconciler) SyncAccount(ctx context.Context, accountID string, forceFull bool) (*AccountSyncResult, error) {
	acc, err := r.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	creds, err := r.creds.Fetch(ctx, accountID)
	if err != nil {
		return &AccountSyncResult{AccountID: accountID, Result: model.ResultAuthError}, err
	}
	tr := transport.New(r.trCfg, creds, r.log)
	profile := quirks.ForFamily(acc.Provider)

	cals, err := r.st.ListCalendarsByAccount(ctx, accountID)
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}

	out := &AccountSyncResult{AccountID: accountID, CalendarResults: make(map[string]*model.SyncSession, len(cals))}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, cal := range cals {
		cal := cal
		g.Go(func() error {
			sess, err := r.syncCalendarLocked(gctx, acc, cal, tr, profile, forceFull)

			mu.Lock()
			out.CalendarResults[cal.ID] = sess
			mu.Unlock()

			if err != nil && synerr.IsAuth(err) {
				return err
			}
			return nil
		})
	}
	// Only an Auth.* error aborts the remaining calendars; every
	// other failure stays local to its own calendar's session result, so the
	// returned error here is informational, not a reason to fail the call.
	_ = g.Wait()

	out.Result = summarizeAccountResult(out.CalendarResults)
	return out, nil
}

// syncCalendarLocked checks the in-progress registry before taking the
// per-calendar mutex, so a request arriving while a session for the same
// pair is registered simply no-ops; otherwise it acquires the mutex and the
// registry entry before running the session.
func (r *Reconciler) syncCalendarLocked(ctx context.Context, acc *model.Account, cal *model.Calendar, tr *transport.Client, profile quirks.Profile, forceFull bool) (*model.SyncSession, error) {
	key := acc.ID + ":" + cal.ID
	if _, running := r.inProgress.Get(key); running {
		return &model.SyncSession{AccountID: acc.ID, CalendarID: cal.ID, Result: model.ResultSuccess}, nil
	}

	lock := r.calendarLock(cal.ID)
	lock.Lock()
	defer lock.Unlock()

	r.inProgress.SetDefault(key, time.Now())
	defer r.inProgress.Delete(key)

	sessCtx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	return r.runSession(sessCtx, tr, cal, profile, forceFull)
}

// runSession drives one calendar through IDLE -> DETECTING -> PULLING ->
// PUSHING -> COMMIT -> IDLE, with at most one FULL_RESYNC escalation.
func (r *Reconciler) runSession(ctx context.Context, tr *transport.Client, cal *model.Calendar, profile quirks.Profile, forceFull bool) (*model.SyncSession, error) {
	sess := &model.SyncSession{
		AccountID:   cal.AccountID,
		CalendarID:  cal.ID,
		StartedAt:   time.Now(),
		PerResource: map[string]string{},
	}

	detector := changedetector.New(tr, r.log)
	pullP := pull.New(tr, r.st, r.codec, r.occEng, r.cfg.MultigetBatch, r.cfg.FanoutConcurrency, r.log)
	pushP := push.New(tr, r.st, r.codec, r.cfg.MaxConflictRetries, r.log)

	state := StateDetecting
	escalated := false

runLoop:
	for {
		switch state {
		case StateDetecting:
			verdict, err := detector.Detect(ctx, cal, profile, r.cfg.PullWindowPast)
			if err != nil {
				return r.fail(sess, err)
			}
			if verdict.Kind == changedetector.NoChange {
				state = StatePushing
				continue runLoop
			}
			pullRes, err := pullP.Run(ctx, cal, profile, verdict, r.cfg.PullWindowPast, forceFull)
			applyPullResult(sess, pullRes)
			if err != nil {
				if !escalated && synerr.KindIs(err, synerr.ServerSyncTokenExpired) {
					// An expired token during PULLING forces FULL_RESYNC once
					// per session, never looped.
					escalated = true
					cal.SyncToken = ""
					state = StateFullResync
					continue runLoop
				}
				return r.fail(sess, err)
			}
			// Refresh the in-memory calendar row so PUSHING's read-only
			// check and any later step see the tokens PULLING just wrote.
			if refreshed, rErr := r.st.LoadCalendar(ctx, cal.ID); rErr == nil && refreshed != nil {
				*cal = *refreshed
			}
			state = StatePushing

		case StateFullResync:
			verdict := &changedetector.Verdict{Kind: changedetector.FullResync}
			pullRes, err := pullP.Run(ctx, cal, profile, verdict, r.cfg.PullWindowPast, forceFull)
			applyPullResult(sess, pullRes)
			if err != nil {
				return r.fail(sess, err)
			}
			if refreshed, rErr := r.st.LoadCalendar(ctx, cal.ID); rErr == nil && refreshed != nil {
				*cal = *refreshed
			}
			state = StatePushing

		case StatePushing:
			calendars := map[string]*model.Calendar{cal.ID: cal}
			pushRes, err := pushP.Drain(ctx, cal.AccountID, calendars, profile, 0)
			applyPushResult(sess, pushRes)
			if err != nil {
				return r.fail(sess, err)
			}
			state = StateCommit

		case StateCommit:
			if len(sess.PerResource) > 0 {
				sess.Result = model.ResultPartialSuccess
			} else {
				sess.Result = model.ResultSuccess
			}
			return sess, nil
		}
	}
}

func (r *Reconciler) fail(sess *model.SyncSession, err error) (*model.SyncSession, error) {
	kind, _ := synerr.KindOf(err)
	sess.ErrorKind = string(kind)
	switch {
	case synerr.IsAuth(err):
		sess.Result = model.ResultAuthError
	case kind == synerr.NetworkOffline || kind == synerr.NetworkTimeout || kind == synerr.NetworkTLS:
		sess.Result = model.ResultNetworkError
	case len(sess.PerResource) > 0 || sess.Added+sess.Updated+sess.Deleted+sess.Moved > 0:
		sess.Result = model.ResultPartialSuccess
	default:
		sess.Result = model.ResultServerError
	}
	r.log.Warn().Str("calendar_id", sess.CalendarID).Str("kind", string(kind)).Err(err).Msg("reconciler: session failed")
	return sess, err
}

func applyPullResult(sess *model.SyncSession, res *pull.Result) {
	if res == nil {
		return
	}
	sess.Added += res.Added
	sess.Updated += res.Updated
	sess.Deleted += res.Deleted
	sess.Changes = append(sess.Changes, res.Changes...)
	for href, kind := range res.ParseFailures {
		sess.PerResource[href] = kind
	}
}

func applyPushResult(sess *model.SyncSession, res *push.Result) {
	if res == nil {
		return
	}
	sess.Added += res.Created
	sess.Updated += res.Updated
	sess.Deleted += res.Deleted
	sess.Moved += res.Moved
	sess.Changes = append(sess.Changes, res.Changes...)
}

// summarizeAccountResult picks the most severe per-calendar SessionResult:
// any AuthError dominates,
// then a mix of Success/errors becomes PartialSuccess, all-Success stays
// Success.
func summarizeAccountResult(byCalendar map[string]*model.SyncSession) model.SessionResult {
	if len(byCalendar) == 0 {
		return model.ResultSuccess
	}
	sawSuccess, sawFailure := false, false
	for _, s := range byCalendar {
		switch s.Result {
		case model.ResultAuthError:
			return model.ResultAuthError
		case model.ResultSuccess:
			sawSuccess = true
		default:
			sawFailure = true
		}
	}
	switch {
	case sawFailure && sawSuccess:
		return model.ResultPartialSuccess
	case sawFailure:
		return model.ResultServerError
	default:
		return model.ResultSuccess
	}
}

// newID generates a uuid for entities the reconciler itself creates
// (Accounts/Calendars on Attach); kept as a seam so tests can swap it.
var newID = func() string { return uuid.NewString() }
