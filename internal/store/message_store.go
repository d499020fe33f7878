package store

import (
	"database/sql"
	"fmt"
	"strings"

	"granite-chat-relay/internal/model"
)

// AppendMessage stores one message and bumps the session's last_message_at.
// When externalMessageID is set and a row with the same
// (session_id, external_message_id) already exists, the existing row's id is
// returned and nothing is inserted. The unique index makes this safe against
// concurrent webhook redeliveries; there is no read-then-write window.
func (s *Store) AppendMessage(sessionID string, sender model.SenderType, content string, externalMessageID *string, senderID string, nowMillis int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	var extID any
	if externalMessageID != nil {
		extID = *externalMessageID
	}

	res, err := tx.Exec(`INSERT INTO messages
		(session_id, sender_type, content, external_message_id, sender_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'sent', ?)
		ON CONFLICT DO NOTHING`,
		sessionID, string(sender), content, extID, senderID, nowMillis)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if n == 0 {
		// Redelivery: hand back the surviving row.
		var id int64
		err = tx.QueryRow(`SELECT id FROM messages WHERE session_id = ? AND external_message_id = ?`,
			sessionID, extID).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("append message: %w", err)
		}
		return id, tx.Commit()
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}

	_, err = tx.Exec(`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE session_id = ?`,
		nowMillis, nowMillis, sessionID)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, tx.Commit()
}

// ListMessagesSince is the polling read: messages with id > afterID in
// insertion order, capped at limit.
func (s *Store) ListMessagesSince(sessionID string, afterID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, session_id, sender_type, content,
		external_message_id, sender_id, status, created_at
		FROM messages WHERE session_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, sessionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		var (
			msg   model.Message
			extID sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderType, &msg.Content,
			&extID, &msg.SenderID, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if extID.Valid {
			msg.ExternalMessageID = &extID.String
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// UpdateMessageStatus is the only mutation permitted on a stored message.
func (s *Store) UpdateMessageStatus(messageID int64, status model.MessageStatus) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExternalMessageID records the remote post id assigned to a message this
// system forwarded, and marks it delivered. The webhook echo of that post
// then collides with the dedup index instead of appearing as a new agent
// message.
func (s *Store) SetExternalMessageID(messageID int64, externalMessageID string) error {
	_, err := s.db.Exec(`UPDATE messages SET external_message_id = ?, status = 'delivered' WHERE id = ?`,
		externalMessageID, messageID)
	if err != nil {
		if isUniqueViolation(err) {
			// The echo won the race; the forwarded row keeps its local identity.
			return nil
		}
		return fmt.Errorf("set external message id: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
