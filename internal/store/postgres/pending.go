package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
)

func (s *Store) EnqueuePending(ctx context.Context, op *model.PendingOp) (string, error) {
	// At most one PENDING/IN_PROGRESS op per (event id, kind).
	row := s.conn(ctx).QueryRow(ctx, `
		select id from pending_ops where event_id = $1 and kind = $2 and status in ('PENDING', 'IN_PROGRESS')`,
		op.EventID, string(op.Kind))
	var existingID string
	if err := row.Scan(&existingID); err == nil {
		return existingID, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		insert into pending_ops (id, event_id, kind, target_calendar_id, target_url, recorded_etag, attempt_count,
			last_error_kind, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		op.ID, op.EventID, string(op.Kind), op.TargetCalendarID, op.TargetURL, op.RecordedETag, op.AttemptCount,
		op.LastErrorKind, string(op.Status), op.CreatedAt.UnixMilli())
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

func (s *Store) DequeuePending(ctx context.Context, accountID string, limit int) ([]*model.PendingOp, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		select po.id, po.event_id, po.kind, po.target_calendar_id, po.target_url, po.recorded_etag,
			po.attempt_count, po.last_error_kind, po.status, po.created_at
		from pending_ops po
		join events e on e.id = po.event_id
		join calendars c on c.id = e.calendar_id
		where c.account_id = $1 and po.status = 'PENDING'
		order by po.created_at asc
		limit $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PendingOp
	for rows.Next() {
		var op model.PendingOp
		var kind, status string
		var createdMs int64
		if err := rows.Scan(&op.ID, &op.EventID, &kind, &op.TargetCalendarID, &op.TargetURL, &op.RecordedETag,
			&op.AttemptCount, &op.LastErrorKind, &status, &createdMs); err != nil {
			return nil, err
		}
		op.Kind = model.OpKind(kind)
		op.Status = model.OpStatus(status)
		op.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, &op)
	}
	return out, rows.Err()
}

func (s *Store) MarkPending(ctx context.Context, opID string, status model.OpStatus, errorKind string) error {
	_, err := s.conn(ctx).Exec(ctx, `
		update pending_ops
		set status = $1, last_error_kind = $2,
			attempt_count = attempt_count + case when $1 in ('IN_PROGRESS', 'FAILED') then 1 else 0 end
		where id = $3`, string(status), errorKind, opID)
	return err
}

func (s *Store) DeletePending(ctx context.Context, opID string) error {
	_, err := s.conn(ctx).Exec(ctx, `delete from pending_ops where id = $1`, opID)
	return err
}

func (s *Store) RecordConflict(ctx context.Context, entry *model.ConflictLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ResolvedAt.IsZero() {
		entry.ResolvedAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		insert into conflict_log (id, event_id, local_fingerprint, server_fingerprint, resolved_at)
		values ($1,$2,$3,$4,$5)`,
		entry.ID, entry.EventID, entry.LocalFingerprint, entry.ServerFingerprint, entry.ResolvedAt.UnixMilli())
	return err
}
