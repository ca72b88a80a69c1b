package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avelin/parley/internal/domain"
)

// MessageRow is a message as persisted: payload still encrypted,
// ciphertext and nonce base64-encoded by the caller.
type MessageRow struct {
	MessageID    string
	RoomID       domain.RoomID
	SenderID     domain.UserID
	SenderName   string
	Ciphertext   string
	Nonce        string
	Lang         string
	Translations map[string]string
	Attachment   *domain.Attachment
	CreatedAt    int64
}

// InsertMessage persists one encrypted message. Re-inserting the same
// message_id is a no-op so the optimistic-send and history paths can
// both write without coordination.
func (s *Store) InsertMessage(row MessageRow) error {
	if row.MessageID == "" {
		return errors.New("message_id is required")
	}
	if row.RoomID == "" {
		return errors.New("room_id is required")
	}
	if row.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = time.Now().UnixMilli()
	}

	translations := ""
	if len(row.Translations) > 0 {
		b, err := json.Marshal(row.Translations)
		if err != nil {
			return fmt.Errorf("encode translations: %w", err)
		}
		translations = string(b)
	}
	attachment := ""
	if row.Attachment != nil {
		b, err := json.Marshal(row.Attachment)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		attachment = string(b)
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id, room_id, sender_id, sender_name,
			ciphertext, nonce, lang, translations, attachment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		row.MessageID,
		string(row.RoomID),
		string(row.SenderID),
		row.SenderName,
		row.Ciphertext,
		row.Nonce,
		row.Lang,
		translations,
		attachment,
		row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", row.MessageID, err)
	}
	return nil
}

// MessagesForRoom returns the room history in chronological order,
// excluding rows the given user has hidden.
func (s *Store) MessagesForRoom(roomID domain.RoomID, userID domain.UserID) ([]MessageRow, error) {
	return s.queryMessages(roomID, userID, 0)
}

// MessagesSince returns rows at or after the given timestamp, for the
// reconciliation poll. The boundary is inclusive so equal-timestamp
// rows are never skipped; the reconciler collapses duplicates by id.
func (s *Store) MessagesSince(roomID domain.RoomID, userID domain.UserID, sinceMillis int64) ([]MessageRow, error) {
	return s.queryMessages(roomID, userID, sinceMillis)
}

func (s *Store) queryMessages(roomID domain.RoomID, userID domain.UserID, sinceMillis int64) ([]MessageRow, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			message_id, room_id, sender_id, sender_name,
			ciphertext, nonce, lang, translations, attachment, created_at
		FROM messages
		WHERE room_id = ?
		  AND created_at >= ?
		  AND message_id NOT IN (
			SELECT message_id FROM hidden_messages WHERE user_id = ?
		  )
		ORDER BY created_at ASC, message_id ASC`,
		string(roomID),
		sinceMillis,
		string(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for room %q: %w", roomID, err)
	}
	defer rows.Close()

	out := make([]MessageRow, 0)
	for rows.Next() {
		row, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// HideRoomMessages marks every current message of a room hidden for one
// user. This backs the per-user "clear history" mutation; other
// participants keep seeing the full history.
func (s *Store) HideRoomMessages(roomID domain.RoomID, userID domain.UserID) error {
	if roomID == "" {
		return errors.New("room_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO hidden_messages (message_id, user_id, hidden_at)
		SELECT message_id, ?, ? FROM messages WHERE room_id = ?
		ON CONFLICT(message_id, user_id) DO NOTHING`,
		string(userID),
		time.Now().UnixMilli(),
		string(roomID),
	)
	if err != nil {
		return fmt.Errorf("hide messages for room %q: %w", roomID, err)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (MessageRow, error) {
	var (
		row          MessageRow
		roomID       string
		senderID     string
		translations string
		attachment   string
	)
	if err := rows.Scan(
		&row.MessageID,
		&roomID,
		&senderID,
		&row.SenderName,
		&row.Ciphertext,
		&row.Nonce,
		&row.Lang,
		&translations,
		&attachment,
		&row.CreatedAt,
	); err != nil {
		return MessageRow{}, err
	}
	row.RoomID = domain.RoomID(roomID)
	row.SenderID = domain.UserID(senderID)
	if translations != "" {
		if err := json.Unmarshal([]byte(translations), &row.Translations); err != nil {
			return MessageRow{}, fmt.Errorf("decode translations: %w", err)
		}
	}
	if attachment != "" {
		var a domain.Attachment
		if err := json.Unmarshal([]byte(attachment), &a); err != nil {
			return MessageRow{}, fmt.Errorf("decode attachment: %w", err)
		}
		row.Attachment = &a
	}
	return row, nil
}
