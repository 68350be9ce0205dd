// Package push drains one account's pending-operations queue with
// ordering, ETag preconditions, conflict retry, and move semantics. Queue
// planning (coalescing) is a pure function over the fetched ops; execution
// is kept separate from it.
package push

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/caldav-sync/internal/codec"
	"github.com/sonroyaalmerol/caldav-sync/internal/fingerprint"
	"github.com/sonroyaalmerol/caldav-sync/internal/ics"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// Result summarizes what one Drain call applied.
type Result struct {
	Created int
	Updated int
	Deleted int
	Moved   int
	Changes []model.ChangeDescriptor
}

// Pipeline drains one account's pending-operation queue.
type Pipeline struct {
	tr                 *transport.Client
	st                 store.Store
	codec              ics.Codec
	log                zerolog.Logger
	maxConflictRetries int
}

func New(tr *transport.Client, st store.Store, codec ics.Codec, maxConflictRetries int, log zerolog.Logger) *Pipeline {
	if maxConflictRetries <= 0 {
		maxConflictRetries = 2
	}
	return &Pipeline{tr: tr, st: st, codec: codec, maxConflictRetries: maxConflictRetries, log: log.With().Str("component", "push").Logger()}
}

// Coalesce compacts a queue in insertion order: consecutive UPDATEs on
// the same event collapse to the latest; an UPDATE
// followed by DELETE collapses to DELETE; a CREATE followed by DELETE on an
// event that never synced collapses to a no-op. Pure function, no I/O.
func Coalesce(ops []*model.PendingOp) []*model.PendingOp {
	byEvent := make(map[string][]*model.PendingOp)
	order := make([]string, 0, len(ops))
	for _, op := range ops {
		if _, ok := byEvent[op.EventID]; !ok {
			order = append(order, op.EventID)
		}
		byEvent[op.EventID] = append(byEvent[op.EventID], op)
	}

	out := make([]*model.PendingOp, 0, len(ops))
	for _, eventID := range order {
		group := byEvent[eventID]
		collapsed := collapseGroup(group)
		if collapsed != nil {
			out = append(out, collapsed)
		}
	}
	return out
}

func collapseGroup(group []*model.PendingOp) *model.PendingOp {
	hasCreate, hasDelete, hasMove := false, false, false
	var lastUpdate, lastMove *model.PendingOp
	for _, op := range group {
		switch op.Kind {
		case model.OpCreate:
			hasCreate = true
		case model.OpUpdate:
			lastUpdate = op
		case model.OpDelete:
			hasDelete = true
		case model.OpMove:
			hasMove = true
			lastMove = op
		}
	}
	switch {
	case hasDelete && hasCreate && !hasAnySynced(group):
		return nil // CREATE followed by DELETE, never synced: no-op
	case hasDelete:
		for _, op := range group {
			if op.Kind == model.OpDelete {
				return op
			}
		}
	case hasMove:
		return lastMove
	case hasCreate:
		// A CREATE followed by UPDATEs still collapses to one CREATE: the
		// event row already carries the latest body, which Serialize reads
		// fresh when the op executes.
		for _, op := range group {
			if op.Kind == model.OpCreate {
				return op
			}
		}
	case lastUpdate != nil:
		return lastUpdate
	}
	if len(group) > 0 {
		return group[0]
	}
	return nil
}

// hasAnySynced is a conservative approximation: CREATE-then-DELETE only
// collapses to a no-op when nothing else in the group implies the event
// reached the server (a bare CREATE+DELETE pair is exactly two ops).
func hasAnySynced(group []*model.PendingOp) bool {
	return len(group) > 2
}

// Drain fetches, coalesces, and executes the pending queue for accountID
// against calendars keyed by id, refusing pushes to read-only calendars.
func (p *Pipeline) Drain(ctx context.Context, accountID string, calendars map[string]*model.Calendar, profile quirks.Profile, limit int) (*Result, error) {
	res := &Result{}
	ops, err := p.st.DequeuePending(ctx, accountID, limit)
	if err != nil {
		return res, synerr.New(synerr.InternalInvariant, false, err)
	}
	plan := Coalesce(ops)

	for _, op := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.execute(ctx, op, calendars, profile, res); err != nil {
			if synerr.IsAuth(err) {
				return res, err // auth failures abort the whole session
			}
			p.log.Warn().Str("op_id", op.ID).Str("kind", string(op.Kind)).Err(err).Msg("push: op failed")
		}
	}
	return res, nil
}

func (p *Pipeline) execute(ctx context.Context, op *model.PendingOp, calendars map[string]*model.Calendar, profile quirks.Profile, res *Result) error {
	ev, err := p.eventForOp(ctx, op)
	if err != nil {
		return err
	}
	cal := calendars[ev.CalendarID]
	if cal != nil && cal.ReadOnly {
		return p.fail(ctx, op, synerr.New(synerr.InternalInvariant, false, fmt.Errorf("push: refusing %s on read-only calendar %s", op.Kind, cal.ID)))
	}

	switch op.Kind {
	case model.OpCreate:
		return p.create(ctx, op, ev, cal, profile, res)
	case model.OpUpdate:
		return p.update(ctx, op, ev, profile, res)
	case model.OpDelete:
		return p.delete(ctx, op, ev, res)
	case model.OpMove:
		return p.move(ctx, op, ev, calendars, profile, res)
	}
	return nil
}

func (p *Pipeline) eventForOp(ctx context.Context, op *model.PendingOp) (*model.Event, error) {
	ev, err := p.st.GetEventByID(ctx, op.EventID)
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, fmt.Errorf("push: load event %s: %w", op.EventID, err))
	}
	return ev, nil
}

func (p *Pipeline) create(ctx context.Context, op *model.PendingOp, ev *model.Event, cal *model.Calendar, profile quirks.Profile, res *Result) error {
	body, err := p.codec.Serialize(ev)
	if err != nil {
		return p.fail(ctx, op, err)
	}
	targetURL := op.TargetURL
	if targetURL == "" {
		targetURL = cal.URL + ev.UID + ".ics"
	}

	resp, err := p.tr.Do(ctx, transport.Request{
		Method:  http.MethodPut,
		URL:     targetURL,
		Headers: map[string]string{"Content-Type": "text/calendar; charset=utf-8", "If-None-Match": "*"},
		Body:    body,
	})
	if err != nil {
		return p.retryOrFail(ctx, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		// URL occupied: generate a new UID suffix and retry once.
		ev.UID = ev.UID + "-" + uuid.NewString()[:8]
		targetURL = cal.URL + ev.UID + ".ics"
		resp2, err := p.tr.Do(ctx, transport.Request{
			Method:  http.MethodPut,
			URL:     targetURL,
			Headers: map[string]string{"Content-Type": "text/calendar; charset=utf-8", "If-None-Match": "*"},
			Body:    body,
		})
		if err != nil {
			return p.retryOrFail(ctx, op, err)
		}
		return p.finishCreate(ctx, op, ev, targetURL, resp2, res)

	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("Location") != "":
		// UID conflict: convert to an UPDATE targeting the existing location.
		ev.ResourceURL = resp.Header.Get("Location")
		ev.ETag = ""
		return p.update(ctx, op, ev, profile, res)

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		_ = p.markEvent(ctx, ev, model.StatusSyncError)
		return p.fail(ctx, op, synerr.New(synerr.DataTooLarge, false, fmt.Errorf("push: 413 on create")))

	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		return p.finishCreate(ctx, op, ev, targetURL, resp, res)

	default:
		return p.retryOrFail(ctx, op, synerr.Newf(synerr.ServerUnexpectedStatus, false, "push: create returned %d", resp.StatusCode))
	}
}

func (p *Pipeline) finishCreate(ctx context.Context, op *model.PendingOp, ev *model.Event, url string, resp *transport.Response, res *Result) error {
	etag, err := p.extractETag(ctx, url, resp)
	if err != nil {
		return err
	}
	ev.ResourceURL = url
	ev.ETag = etag
	ev.Status = model.StatusSynced
	if _, err := p.st.UpsertEvent(ctx, ev); err != nil {
		return synerr.New(synerr.InternalInvariant, false, err)
	}
	if err := p.st.DeletePending(ctx, op.ID); err != nil {
		return synerr.New(synerr.InternalInvariant, false, err)
	}
	res.Created++
	res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: model.ChangeAdded, EventID: ev.ID, UID: ev.UID, Summary: ev.Summary})
	return nil
}

func (p *Pipeline) update(ctx context.Context, op *model.PendingOp, ev *model.Event, profile quirks.Profile, res *Result) error {
	return p.updateAttempt(ctx, op, ev, profile, res, 0)
}

func (p *Pipeline) updateAttempt(ctx context.Context, op *model.PendingOp, ev *model.Event, profile quirks.Profile, res *Result, attempt int) error {
	body, err := p.codec.Serialize(ev)
	if err != nil {
		return p.fail(ctx, op, err)
	}
	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if ev.ETag != "" {
		headers["If-Match"] = codec.QuoteETag(ev.ETag)
	}
	resp, err := p.tr.Do(ctx, transport.Request{Method: http.MethodPut, URL: ev.ResourceURL, Headers: headers, Body: body})
	if err != nil {
		return p.retryOrFail(ctx, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Resource gone: demote to CREATE and re-enqueue.
		ev.ResourceURL = ""
		ev.ETag = ""
		ev.Status = model.StatusPendingCreate
		if _, err := p.st.UpsertEvent(ctx, ev); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		newOp := &model.PendingOp{EventID: ev.ID, Kind: model.OpCreate, Status: model.OpPending}
		if _, err := p.st.EnqueuePending(ctx, newOp); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		return p.st.DeletePending(ctx, op.ID)

	case resp.StatusCode == http.StatusPreconditionFailed:
		if attempt >= p.maxConflictRetries {
			_ = p.markEvent(ctx, ev, model.StatusSyncError)
			return p.fail(ctx, op, synerr.New(synerr.ServerConflict, false, fmt.Errorf("push: update conflict exhausted retries")).WithResource(ev.ResourceURL))
		}
		resolved, err := p.resolveConflict(ctx, ev)
		if err != nil {
			return err
		}
		if resolved == nil {
			// Adopted server version, op considered converged.
			return p.st.DeletePending(ctx, op.ID)
		}
		return p.updateAttempt(ctx, op, resolved, profile, res, attempt+1)

	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusCreated && profile.Allows201AsUpdateResponse:
		etag, err := p.extractETag(ctx, ev.ResourceURL, resp)
		if err != nil {
			return err
		}
		ev.ETag = etag
		ev.Status = model.StatusSynced
		if _, err := p.st.UpsertEvent(ctx, ev); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		if err := p.st.DeletePending(ctx, op.ID); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		res.Updated++
		res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: model.ChangeUpdated, EventID: ev.ID, UID: ev.UID, Summary: ev.Summary})
		return nil

	default:
		return p.retryOrFail(ctx, op, synerr.Newf(synerr.ServerUnexpectedStatus, false, "push: update returned %d", resp.StatusCode))
	}
}

// resolveConflict implements the conflict policy on a 412:
// fetch the server version fresh, then decide replay / adopt / SERVER_WINS.
// Returns the event to retry the PUT with, or nil if the op should be
// dropped (already converged).
func (p *Pipeline) resolveConflict(ctx context.Context, local *model.Event) (*model.Event, error) {
	body, err := codec.BuildGetETagPropfind()
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	resp, err := p.tr.Do(ctx, transport.Request{
		Method: "PROPFIND", URL: local.ResourceURL,
		Headers: map[string]string{"Depth": "0", "Content-Type": "application/xml; charset=utf-8"},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	freshEtag := local.ETag
	if resp.OK() {
		if etag := etagFromPropfind(resp.Body); etag != "" {
			freshEtag = etag
		}
	}

	serverResp, err := p.tr.Do(ctx, transport.Request{Method: http.MethodGet, URL: local.ResourceURL})
	if err != nil {
		return nil, err
	}
	if !serverResp.OK() {
		retried := *local
		retried.ETag = freshEtag
		return &retried, nil
	}
	serverEvents, err := p.codec.Parse(local.CalendarID, serverResp.Body)
	if err != nil || len(serverEvents) == 0 {
		retried := *local
		retried.ETag = freshEtag
		return &retried, nil
	}
	serverEv := serverEvents[0]
	serverEv.ETag = codec.NormalizeETag(serverResp.Header.Get("ETag"))
	if serverEv.ETag == "" {
		serverEv.ETag = freshEtag
	}

	// The last-observed version is what the local edit was based on: the raw
	// body as it stood after the previous pull. If the server still matches
	// it, the 412 was pure housekeeping (DTSTAMP/SEQUENCE/ETag churn) and the
	// local change can be replayed on top.
	var lastObserved *model.Event
	if len(local.RawICS) > 0 {
		if prior, err := p.codec.Parse(local.CalendarID, local.RawICS); err == nil && len(prior) > 0 {
			lastObserved = prior[0]
		}
	}

	switch {
	case lastObserved != nil &&
		(fingerprint.Of(serverEv) == fingerprint.Of(lastObserved) || fingerprint.SemanticallyEqual(serverEv, lastObserved)):
		retried := *local
		retried.ETag = serverEv.ETag
		return &retried, nil

	case fingerprint.Of(serverEv) == fingerprint.Of(local):
		// Already converged: adopt server ETag, drop the op.
		serverEv.ID = local.ID
		serverEv.ResourceURL = local.ResourceURL
		serverEv.Status = model.StatusSynced
		if _, err := p.st.UpsertEvent(ctx, serverEv); err != nil {
			return nil, synerr.New(synerr.InternalInvariant, false, err)
		}
		return nil, nil

	default:
		// Real concurrent edit: the server copy wins.
		serverEv.ID = local.ID
		serverEv.ResourceURL = local.ResourceURL
		serverEv.Status = model.StatusSynced
		if _, err := p.st.UpsertEvent(ctx, serverEv); err != nil {
			return nil, synerr.New(synerr.InternalInvariant, false, err)
		}
		if err := p.st.RecordConflict(ctx, &model.ConflictLogEntry{
			EventID:           local.ID,
			LocalFingerprint:  string(fingerprint.Of(local)),
			ServerFingerprint: string(fingerprint.Of(serverEv)),
		}); err != nil {
			p.log.Warn().Err(err).Msg("push: failed to record conflict log entry")
		}
		return nil, nil
	}
}

func (p *Pipeline) delete(ctx context.Context, op *model.PendingOp, ev *model.Event, res *Result) error {
	return p.deleteAttempt(ctx, op, ev, res, 0)
}

func (p *Pipeline) deleteAttempt(ctx context.Context, op *model.PendingOp, ev *model.Event, res *Result, attempt int) error {
	headers := map[string]string{}
	if ev.ETag != "" {
		headers["If-Match"] = codec.QuoteETag(ev.ETag)
	}
	resp, err := p.tr.Do(ctx, transport.Request{Method: http.MethodDelete, URL: ev.ResourceURL, Headers: headers})
	if err != nil {
		return p.retryOrFail(ctx, op, err)
	}
	switch {
	case resp.OK() || resp.StatusCode == http.StatusNotFound:
		if err := p.st.DeleteEvent(ctx, ev.ID); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		if err := p.st.DeletePending(ctx, op.ID); err != nil {
			return synerr.New(synerr.InternalInvariant, false, err)
		}
		res.Deleted++
		res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: model.ChangeDeleted, EventID: ev.ID, UID: ev.UID, Summary: ev.Summary})
		return nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		if attempt >= 1 {
			_ = p.markEvent(ctx, ev, model.StatusSyncError)
			return p.fail(ctx, op, synerr.New(synerr.ServerConflict, false, fmt.Errorf("push: delete conflict")))
		}
		body, err := codec.BuildGetETagPropfind()
		if err == nil {
			if r, err := p.tr.Do(ctx, transport.Request{Method: "PROPFIND", URL: ev.ResourceURL, Headers: map[string]string{"Depth": "0", "Content-Type": "application/xml; charset=utf-8"}, Body: body}); err == nil && r.OK() {
				if etag := etagFromPropfind(r.Body); etag != "" {
					ev.ETag = etag
				}
			}
		}
		return p.deleteAttempt(ctx, op, ev, res, attempt+1)
	default:
		return p.retryOrFail(ctx, op, synerr.Newf(synerr.ServerUnexpectedStatus, false, "push: delete returned %d", resp.StatusCode))
	}
}

// move implements the two-step DELETE+CREATE move: if
// DELETE succeeds but CREATE fails, the pair is left failed and relies on
// the next pull to reconcile the vanished source-side event.
func (p *Pipeline) move(ctx context.Context, op *model.PendingOp, ev *model.Event, calendars map[string]*model.Calendar, profile quirks.Profile, res *Result) error {
	srcURL := ev.ResourceURL
	headers := map[string]string{}
	if ev.ETag != "" {
		headers["If-Match"] = codec.QuoteETag(ev.ETag)
	}
	delResp, err := p.tr.Do(ctx, transport.Request{Method: http.MethodDelete, URL: srcURL, Headers: headers})
	if err != nil {
		return p.retryOrFail(ctx, op, err)
	}
	if !delResp.OK() && delResp.StatusCode != http.StatusNotFound {
		return p.retryOrFail(ctx, op, synerr.Newf(synerr.ServerUnexpectedStatus, false, "push: move delete returned %d", delResp.StatusCode))
	}

	destCal := calendars[op.TargetCalendarID]
	if destCal == nil {
		return p.fail(ctx, op, synerr.New(synerr.InternalInvariant, false, fmt.Errorf("push: move target calendar %s not found", op.TargetCalendarID)))
	}
	ev.CalendarID = destCal.ID
	ev.ResourceURL = ""
	ev.ETag = ""

	body, err := p.codec.Serialize(ev)
	if err != nil {
		return p.fail(ctx, op, err)
	}
	targetURL := destCal.URL + ev.UID + ".ics"
	createResp, err := p.tr.Do(ctx, transport.Request{
		Method:  http.MethodPut,
		URL:     targetURL,
		Headers: map[string]string{"Content-Type": "text/calendar; charset=utf-8", "If-None-Match": "*"},
		Body:    body,
	})
	if err != nil || !(createResp.StatusCode == http.StatusCreated || createResp.StatusCode == http.StatusNoContent) {
		// DELETE already succeeded: mark failed, the next pull re-baselines
		// the source calendar and re-emits the vanished event as deleted.
		_ = p.markEvent(ctx, ev, model.StatusSyncError)
		if err != nil {
			return p.fail(ctx, op, err)
		}
		return p.fail(ctx, op, synerr.Newf(synerr.ServerUnexpectedStatus, false, "push: move create returned %d", createResp.StatusCode))
	}

	etag, err := p.extractETag(ctx, targetURL, createResp)
	if err != nil {
		return err
	}
	ev.ResourceURL = targetURL
	ev.ETag = etag
	ev.Status = model.StatusSynced
	if _, err := p.st.UpsertEvent(ctx, ev); err != nil {
		return synerr.New(synerr.InternalInvariant, false, err)
	}
	if err := p.st.DeletePending(ctx, op.ID); err != nil {
		return synerr.New(synerr.InternalInvariant, false, err)
	}
	res.Moved++
	res.Changes = append(res.Changes, model.ChangeDescriptor{Kind: model.ChangeMoved, EventID: ev.ID, UID: ev.UID, Summary: ev.Summary})
	return nil
}

// extractETag runs the three-step ETag-extraction chain: the
// response header, then a follow-up PROPFIND getetag, then a single-href
// multiget. The first non-empty normalized value wins; if all fail, "" is
// stored as the distinguished unknown sentinel.
func (p *Pipeline) extractETag(ctx context.Context, url string, resp *transport.Response) (string, error) {
	if etag := codec.NormalizeETag(resp.Header.Get("ETag")); etag != "" {
		return etag, nil
	}
	body, err := codec.BuildGetETagPropfind()
	if err == nil {
		if r, err := p.tr.Do(ctx, transport.Request{Method: "PROPFIND", URL: url, Headers: map[string]string{"Depth": "0", "Content-Type": "application/xml; charset=utf-8"}, Body: body}); err == nil && r.OK() {
			if etag := etagFromPropfind(r.Body); etag != "" {
				return etag, nil
			}
		}
	}
	mgBody, err := codec.BuildCalendarMultiget([]string{url})
	if err == nil {
		if r, err := p.tr.Do(ctx, transport.Request{Method: "REPORT", URL: url, Headers: map[string]string{"Content-Type": "application/xml; charset=utf-8", "Depth": "1"}, Body: mgBody}); err == nil {
			if ms, err := codec.ParseMultistatus(bytes.NewReader(r.Body)); err == nil {
				for _, resp := range ms.Responses {
					if resp.ETag != "" {
						return resp.ETag, nil
					}
				}
			}
		}
	}
	return "", nil
}

// etagFromPropfind extracts getetag from a depth-0 PROPFIND getetag
// response body, the second step of the ETag-extraction chain.
func etagFromPropfind(body []byte) string {
	ms, err := codec.ParseMultistatus(bytes.NewReader(body))
	if err != nil || len(ms.Responses) == 0 {
		return ""
	}
	return ms.Responses[0].ETag
}

func (p *Pipeline) markEvent(ctx context.Context, ev *model.Event, status model.SyncStatus) error {
	ev.Status = status
	_, err := p.st.UpsertEvent(ctx, ev)
	return err
}

func (p *Pipeline) fail(ctx context.Context, op *model.PendingOp, cause error) error {
	kind := string(synerr.InternalInvariant)
	if k, ok := synerr.KindOf(cause); ok {
		kind = string(k)
	}
	if err := p.st.MarkPending(ctx, op.ID, model.OpFailed, kind); err != nil {
		p.log.Warn().Err(err).Msg("push: failed to mark op failed")
	}
	return cause
}

// retryOrFail increments the attempt count; after 5 attempts the op becomes
// SYNC_ERROR and awaits manual intervention.
func (p *Pipeline) retryOrFail(ctx context.Context, op *model.PendingOp, cause error) error {
	op.AttemptCount++
	if op.AttemptCount >= 5 {
		return p.fail(ctx, op, cause)
	}
	kind := string(synerr.InternalInvariant)
	if k, ok := synerr.KindOf(cause); ok {
		kind = string(k)
	}
	if err := p.st.MarkPending(ctx, op.ID, model.OpPending, kind); err != nil {
		p.log.Warn().Err(err).Msg("push: failed to record retry attempt")
	}
	return cause
}
