package store

import (
	"database/sql"
	"fmt"

	"granite-chat-relay/internal/model"
)

// SaveToken overwrites the credential row in place; there is never more than
// one row per credential key.
func (s *Store) SaveToken(tok model.Token) error {
	_, err := s.db.Exec(`INSERT INTO tokens (key, access_token, refresh_token, token_type, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at`,
		tok.Key, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(key string) (model.Token, error) {
	var tok model.Token
	err := s.db.QueryRow(`SELECT key, access_token, refresh_token, token_type, expires_at
		FROM tokens WHERE key = ?`, key).Scan(
		&tok.Key, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return model.Token{}, ErrNotFound
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("get token: %w", err)
	}
	return tok, nil
}

func (s *Store) DeleteToken(key string) error {
	if _, err := s.db.Exec(`DELETE FROM tokens WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
