package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avelin/parley/internal/domain"
)

// InsertCallRecord writes the initial row for a call. Status is
// normally "initiated"; later transitions go through UpdateCallStatus.
func (s *Store) InsertCallRecord(rec domain.CallRecord) error {
	if rec.CallID == "" {
		return errors.New("call_id is required")
	}
	if rec.RoomID == "" {
		return errors.New("room_id is required")
	}
	if rec.Status == "" {
		rec.Status = domain.CallStatusInitiated
	}
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO call_records (
			call_id, room_id, caller_id, caller_name,
			call_type, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID,
		string(rec.RoomID),
		string(rec.CallerID),
		rec.CallerName,
		string(rec.Type),
		string(rec.Status),
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record %q: %w", rec.CallID, err)
	}
	return nil
}

// UpdateCallStatus moves a call record forward. Terminal statuses never
// reopen: a row already ended/declined/missed is left untouched.
func (s *Store) UpdateCallStatus(callID string, status domain.CallStatus, durationSeconds int) error {
	if callID == "" {
		return errors.New("call_id is required")
	}

	var endedAt any
	var duration any
	if status.Terminal() {
		endedAt = time.Now().UnixMilli()
	}
	if status == domain.CallStatusEnded {
		duration = durationSeconds
	}

	res, err := s.db.Exec(
		`UPDATE call_records
		SET status = ?, ended_at = COALESCE(?, ended_at), duration_seconds = COALESCE(?, duration_seconds)
		WHERE call_id = ?
		  AND status NOT IN ('ended','declined','missed')`,
		string(status),
		endedAt,
		duration,
		callID,
	)
	if err != nil {
		return fmt.Errorf("update call record %q: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for call %q: %w", callID, err)
	}
	if n == 0 {
		return fmt.Errorf("call record %q: %w", callID, ErrNotFound)
	}
	return nil
}

// CallRecordsForRoom returns the call log newest-first.
func (s *Store) CallRecordsForRoom(roomID domain.RoomID) ([]domain.CallRecord, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}

	rows, err := s.db.Query(
		`SELECT call_id, room_id, caller_id, caller_name,
			call_type, status, started_at, ended_at, duration_seconds
		FROM call_records
		WHERE room_id = ?
		ORDER BY started_at DESC, call_id`,
		string(roomID),
	)
	if err != nil {
		return nil, fmt.Errorf("query call records for room %q: %w", roomID, err)
	}
	defer rows.Close()

	out := make([]domain.CallRecord, 0)
	for rows.Next() {
		var (
			rec      domain.CallRecord
			roomID   string
			callerID string
			callType string
			status   string
			endedAt  sql.NullInt64
			duration sql.NullInt64
		)
		if err := rows.Scan(
			&rec.CallID, &roomID, &callerID, &rec.CallerName,
			&callType, &status, &rec.StartedAt, &endedAt, &duration,
		); err != nil {
			return nil, fmt.Errorf("scan call record row: %w", err)
		}
		rec.RoomID = domain.RoomID(roomID)
		rec.CallerID = domain.UserID(callerID)
		rec.Type = domain.CallType(callType)
		rec.Status = domain.CallStatus(status)
		if endedAt.Valid {
			rec.EndedAt = endedAt.Int64
		}
		if duration.Valid {
			rec.DurationSeconds = int(duration.Int64)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call record rows: %w", err)
	}
	return out, nil
}
