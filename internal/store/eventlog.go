package store

import (
	"context"
	"database/sql"
	"time"
)

// AppendEvent inserts an event with the next sequence number for its
// execution. The read and insert run in one transaction so sequences are
// gapless and strictly increasing per execution.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`,
		event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return err
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), nullStr(event.Actor), ts, seq,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	event.Sequence = seq
	event.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered
// by sequence. Pass since = 0 for the full log.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ?
		 ORDER BY sequence ASC`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var stepID, payload, actor sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &stepID, &ev.Type,
			&payload, &actor, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Payload = rawOrNil(payload)
		ev.Actor = actor.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
