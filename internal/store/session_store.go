package store

import (
	"database/sql"
	"errors"
	"fmt"

	"granite-chat-relay/internal/model"
)

// UpsertSession creates the session row on first contact, or merges any
// newly supplied visitor fields into the existing row. A closed session
// stays closed; everything else comes back active.
func (s *Store) UpsertSession(sessionID string, visitor model.Visitor, nowMillis int64) (created bool, err error) {
	if sessionID == "" {
		return false, errors.New("missing session id")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO sessions
			(session_id, status, visitor_name, visitor_email, visitor_phone, created_at, updated_at)
			VALUES (?, 'active', ?, ?, ?, ?, ?)`,
			sessionID, visitor.Name, visitor.Email, visitor.Phone, nowMillis, nowMillis)
		if err != nil {
			return false, fmt.Errorf("upsert session: %w", err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("upsert session: %w", err)
	default:
		newStatus := "active"
		if status == string(model.SessionClosed) {
			newStatus = status
		}
		_, err = tx.Exec(`UPDATE sessions SET
			visitor_name  = CASE WHEN ? != '' THEN ? ELSE visitor_name END,
			visitor_email = CASE WHEN ? != '' THEN ? ELSE visitor_email END,
			visitor_phone = CASE WHEN ? != '' THEN ? ELSE visitor_phone END,
			status = ?, updated_at = ?
			WHERE session_id = ?`,
			visitor.Name, visitor.Name, visitor.Email, visitor.Email,
			visitor.Phone, visitor.Phone, newStatus, nowMillis, sessionID)
		if err != nil {
			return false, fmt.Errorf("upsert session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}
	return created, nil
}

// LinkExternalChat records the remote conversation for a session. Linking
// the same chat twice is a no-op; linking a different chat fails with
// ErrChatMismatch and leaves the stored value untouched.
func (s *Store) LinkExternalChat(sessionID, externalChatID string, nowMillis int64) error {
	if externalChatID == "" {
		return errors.New("missing external chat id")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("link chat: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRow(`SELECT external_chat_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("link chat: %w", err)
	}

	if current.Valid {
		if current.String == externalChatID {
			return nil
		}
		return ErrChatMismatch
	}

	_, err = tx.Exec(`UPDATE sessions SET external_chat_id = ?, updated_at = ? WHERE session_id = ?`,
		externalChatID, nowMillis, sessionID)
	if err != nil {
		return fmt.Errorf("link chat: %w", err)
	}
	return tx.Commit()
}

// CloseSession marks the session closed. Closing an already-closed session
// is a no-op and reports false.
func (s *Store) CloseSession(sessionID string, nowMillis int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE session_id = ? AND status != 'closed'`, nowMillis, nowMillis, sessionID)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetSession(sessionID string) (model.Session, error) {
	return s.getSessionWhere(`session_id = ?`, sessionID)
}

// GetSessionByExternalChat resolves a webhook's chat id back to the local
// session. ErrNotFound means the chat belongs to a conversation this system
// does not track.
func (s *Store) GetSessionByExternalChat(externalChatID string) (model.Session, error) {
	return s.getSessionWhere(`external_chat_id = ?`, externalChatID)
}

func (s *Store) getSessionWhere(where string, arg any) (model.Session, error) {
	var (
		sess model.Session
		chat sql.NullString
	)
	err := s.db.QueryRow(`SELECT session_id, external_chat_id, status,
		visitor_name, visitor_email, visitor_phone,
		created_at, updated_at, last_message_at, closed_at
		FROM sessions WHERE `+where, arg).Scan(
		&sess.SessionID, &chat, &sess.Status,
		&sess.Visitor.Name, &sess.Visitor.Email, &sess.Visitor.Phone,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastMessageAt, &sess.ClosedAt)
	if err == sql.ErrNoRows {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	if chat.Valid {
		sess.ExternalChatID = &chat.String
	}
	return sess, nil
}

func (s *Store) ListSessions(limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT session_id, external_chat_id, status,
		visitor_name, visitor_email, visitor_phone,
		created_at, updated_at, last_message_at, closed_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []model.Session
	for rows.Next() {
		var (
			sess model.Session
			chat sql.NullString
		)
		if err := rows.Scan(&sess.SessionID, &chat, &sess.Status,
			&sess.Visitor.Name, &sess.Visitor.Email, &sess.Visitor.Phone,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.LastMessageAt, &sess.ClosedAt); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if chat.Valid {
			sess.ExternalChatID = &chat.String
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// TouchSession reactivates an idle session; polls call this so that a
// visitor coming back to the tab counts as activity. Closed stays closed.
func (s *Store) TouchSession(sessionID string, nowMillis int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = 'active', updated_at = ?
		WHERE session_id = ? AND status = 'idle'`, nowMillis, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// MarkIdleSessions moves active sessions with no activity since cutoff to
// idle. Returns the number of sessions transitioned.
func (s *Store) MarkIdleSessions(cutoffMillis, nowMillis int64) (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'idle', updated_at = ?
		WHERE status = 'active' AND max(last_message_at, updated_at) < ?`, nowMillis, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("mark idle: %w", err)
	}
	return res.RowsAffected()
}

// CloseIdleSessions closes idle sessions untouched since cutoff.
func (s *Store) CloseIdleSessions(cutoffMillis, nowMillis int64) (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE status = 'idle' AND updated_at < ?`, nowMillis, nowMillis, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("close idle: %w", err)
	}
	return res.RowsAffected()
}
