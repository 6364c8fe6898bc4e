package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lineage-stats/internal/domain"
)

// EventRepo implements domain.EventArchive on SQLite. Writes go through the
// single-connection write pool; listings use the read pool.
type EventRepo struct {
	write *sql.DB
	read  *sql.DB
	now   func() time.Time
}

var _ domain.EventArchive = (*EventRepo)(nil)

// NewEventRepo creates an EventRepo. readDB may be nil, in which case reads
// share the write pool.
func NewEventRepo(writeDB, readDB *sql.DB) *EventRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &EventRepo{write: writeDB, read: readDB, now: time.Now}
}

// Insert stores ev. A repeated event id is ignored and reports false.
func (r *EventRepo) Insert(ctx context.Context, ev *domain.ArchivedEvent) (bool, error) {
	if ev.EventID == "" {
		return false, domain.ErrValidation("event id is required")
	}
	res, err := r.write.ExecContext(ctx,
		`INSERT INTO lineage_events (event_id, run_id, job_namespace, job_name, event_type, event_time, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.RunID, ev.JobNamespace, ev.JobName, string(ev.EventType),
		formatTime(ev.EventTime), ev.Payload, formatTime(r.now()))
	if err != nil {
		return false, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns one archived event.
func (r *EventRepo) Get(ctx context.Context, eventID string) (*domain.ArchivedEvent, error) {
	row := r.read.QueryRowContext(ctx,
		`SELECT event_id, run_id, job_namespace, job_name, event_type, event_time, payload, created_at
		 FROM lineage_events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("event %q not found", eventID)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// List returns archived events newest first, together with the total
// number of matching rows.
func (r *EventRepo) List(ctx context.Context, filter domain.EventFilter, page domain.PageRequest) ([]domain.ArchivedEvent, int64, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.read.QueryRowContext(ctx, `SELECT count(*) FROM lineage_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := r.read.QueryContext(ctx,
		`SELECT event_id, run_id, job_namespace, job_name, event_type, event_time, payload, created_at
		 FROM lineage_events`+where+`
		 ORDER BY event_time DESC, event_id DESC
		 LIMIT ? OFFSET ?`,
		append(args, page.Limit(), page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchivedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *ev)
	}
	return out, total, rows.Err()
}

// PurgeOlderThan deletes events whose event time is before the cutoff.
func (r *EventRepo) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.write.ExecContext(ctx,
		`DELETE FROM lineage_events WHERE event_time < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*domain.ArchivedEvent, error) {
	var (
		ev                   domain.ArchivedEvent
		eventType            string
		eventTime, createdAt string
	)
	if err := s.Scan(&ev.EventID, &ev.RunID, &ev.JobNamespace, &ev.JobName,
		&eventType, &eventTime, &ev.Payload, &createdAt); err != nil {
		return nil, err
	}
	ev.EventType = domain.EventType(eventType)
	ev.EventTime = parseTime(eventTime)
	ev.CreatedAt = parseTime(createdAt)
	return &ev, nil
}
