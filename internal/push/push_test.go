package push

import (
	"testing"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

func op(eventID string, kind model.OpKind) *model.PendingOp {
	return &model.PendingOp{ID: eventID + ":" + string(kind), EventID: eventID, Kind: kind, Status: model.OpPending}
}

// TestCoalesceCreateThenDeleteIsNoOp: a CREATE followed by a DELETE on an
// event that never synced collapses to zero pending ops and therefore zero
// network requests.
func TestCoalesceCreateThenDeleteIsNoOp(t *testing.T) {
	ops := []*model.PendingOp{op("e1", model.OpCreate), op("e1", model.OpDelete)}
	out := Coalesce(ops)
	if len(out) != 0 {
		t.Fatalf("expected CREATE+DELETE to collapse to no-op, got %d ops: %+v", len(out), out)
	}
}

// TestCoalesceConsecutiveUpdatesCollapse verifies consecutive UPDATEs on
// the same event collapse to the latest-queued one.
func TestCoalesceConsecutiveUpdatesCollapse(t *testing.T) {
	first := op("e1", model.OpUpdate)
	second := op("e1", model.OpUpdate)
	out := Coalesce([]*model.PendingOp{first, second})
	if len(out) != 1 {
		t.Fatalf("expected one collapsed UPDATE, got %d", len(out))
	}
	if out[0] != second {
		t.Fatalf("expected the latest UPDATE op to survive, got %+v", out[0])
	}
}

// TestCoalesceUpdateThenDeleteCollapsesToDelete: an UPDATE followed by a
// DELETE collapses to a single DELETE.
func TestCoalesceUpdateThenDeleteCollapsesToDelete(t *testing.T) {
	u := op("e1", model.OpUpdate)
	d := op("e1", model.OpDelete)
	out := Coalesce([]*model.PendingOp{u, d})
	if len(out) != 1 || out[0].Kind != model.OpDelete {
		t.Fatalf("expected a single DELETE op, got %+v", out)
	}
}

// TestCoalescePreservesInsertionOrderAcrossEvents ensures distinct events
// keep their relative order (the queue drains in insertion order).
func TestCoalescePreservesInsertionOrderAcrossEvents(t *testing.T) {
	e1 := op("e1", model.OpUpdate)
	e2 := op("e2", model.OpCreate)
	out := Coalesce([]*model.PendingOp{e1, e2})
	if len(out) != 2 || out[0].EventID != "e1" || out[1].EventID != "e2" {
		t.Fatalf("expected order [e1, e2], got %+v", out)
	}
}

// TestCoalesceMoveWinsOverPriorUpdate: a MOVE queued after an UPDATE is
// the op the drain executes, since the move carries the latest body anyway.
func TestCoalesceMoveWinsOverPriorUpdate(t *testing.T) {
	u := op("e1", model.OpUpdate)
	m := op("e1", model.OpMove)
	out := Coalesce([]*model.PendingOp{u, m})
	if len(out) != 1 || out[0].Kind != model.OpMove {
		t.Fatalf("expected MOVE to survive, got %+v", out)
	}
}
