package rc

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"granite-chat-relay/internal/config"
	"granite-chat-relay/internal/model"
	"granite-chat-relay/internal/store"
)

const grantJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// TokenStore is the persistence the AuthManager needs; *store.Store
// satisfies it.
type TokenStore interface {
	SaveToken(model.Token) error
	GetToken(key string) (model.Token, error)
}

// AuthManager owns the access-token lifecycle for one credential set.
// Concurrent callers that all observe an expired token share a single
// refresh through the singleflight group.
type AuthManager struct {
	serverURL    string
	clientID     string
	clientSecret string
	mode         string
	privateKey   *rsa.PrivateKey
	authCode     string
	redirectURI  string
	safetyMargin time.Duration

	httpClient *http.Client
	tokens     TokenStore
	group      singleflight.Group
	now        func() time.Time
}

func NewAuthManager(cfg config.Config, tokens TokenStore) (*AuthManager, error) {
	m := &AuthManager{
		serverURL:    strings.TrimRight(cfg.RCServerURL, "/"),
		clientID:     cfg.RCClientID,
		clientSecret: cfg.RCClientSecret,
		mode:         cfg.RCAuthMode,
		authCode:     cfg.RCAuthCode,
		redirectURI:  cfg.RCRedirectURI,
		safetyMargin: time.Minute,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		tokens:       tokens,
		now:          time.Now,
	}
	if cfg.RCAuthMode == "jwt" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.RCPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		m.privateKey = key
	}
	return m, nil
}

// credentialKey identifies the token row; one credential set per process
// today, but the key keeps rows apart if that ever changes.
func (m *AuthManager) credentialKey() string {
	return m.clientID + "|" + m.mode
}

// GetAccessToken returns a token guaranteed to outlive now + safetyMargin.
// It hits the store first (a parallel process may have refreshed already)
// and only then the network.
func (m *AuthManager) GetAccessToken(ctx context.Context) (string, error) {
	if tok, ok := m.validStoredToken(); ok {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do(m.credentialKey(), func() (any, error) {
		// Re-check under the flight: the winner of a previous flight may
		// have refreshed while we queued.
		if tok, ok := m.validStoredToken(); ok {
			return tok.AccessToken, nil
		}
		tok, err := m.Authenticate(ctx)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *AuthManager) validStoredToken() (model.Token, bool) {
	tok, err := m.tokens.GetToken(m.credentialKey())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("token store read failed")
		}
		return model.Token{}, false
	}
	if tok.AccessToken == "" {
		return model.Token{}, false
	}
	if m.now().Add(m.safetyMargin).UnixMilli() >= tok.ExpiresAt {
		return model.Token{}, false
	}
	return tok, true
}

// Authenticate performs the grant exchange for the configured mode and
// persists the result. Callers normally go through GetAccessToken.
func (m *AuthManager) Authenticate(ctx context.Context) (model.Token, error) {
	form := url.Values{}
	switch m.mode {
	case "jwt":
		assertion, err := buildAssertion(m.clientID, m.serverURL, m.privateKey, m.now())
		if err != nil {
			return model.Token{}, &AuthError{Kind: AuthErrConfig, Err: err}
		}
		form.Set("grant_type", grantJWTBearer)
		form.Set("assertion", assertion)
	case "authcode":
		if stored, err := m.tokens.GetToken(m.credentialKey()); err == nil && stored.RefreshToken != "" {
			form.Set("grant_type", "refresh_token")
			form.Set("refresh_token", stored.RefreshToken)
		} else {
			if m.authCode == "" {
				return model.Token{}, &AuthError{Kind: AuthErrConfig, Err: errors.New("no refresh token stored and no auth code configured")}
			}
			form.Set("grant_type", "authorization_code")
			form.Set("code", m.authCode)
			form.Set("redirect_uri", m.redirectURI)
		}
	default:
		return model.Token{}, &AuthError{Kind: AuthErrConfig, Err: fmt.Errorf("unknown auth mode %q", m.mode)}
	}

	tok, err := m.exchange(ctx, form)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			log.Error().Str("kind", string(authErr.Kind)).Err(authErr.Err).Msg("token exchange failed")
		}
		return model.Token{}, err
	}

	if err := m.tokens.SaveToken(tok); err != nil {
		return model.Token{}, &AuthError{Kind: AuthErrTransient, Err: fmt.Errorf("persist token: %w", err)}
	}
	log.Info().Int64("expiresAt", tok.ExpiresAt).Msg("access token refreshed")
	return tok, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

type tokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (m *AuthManager) exchange(ctx context.Context, form url.Values) (model.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.serverURL+"/restapi/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return model.Token{}, &AuthError{Kind: AuthErrConfig, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.clientID, m.clientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return model.Token{}, &AuthError{Kind: AuthErrTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Token{}, &AuthError{Kind: AuthErrTransient, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return model.Token{}, m.classifyTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return model.Token{}, &AuthError{Kind: AuthErrTransient, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return model.Token{}, &AuthError{Kind: AuthErrTransient, Err: errors.New("token response missing access_token or expires_in")}
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return model.Token{
		Key:          m.credentialKey(),
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    m.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

func (m *AuthManager) classifyTokenError(status int, body []byte) error {
	var te tokenErrorResponse
	_ = json.Unmarshal(body, &te)

	if status >= 500 {
		return &AuthError{Kind: AuthErrTransient, Err: fmt.Errorf("token endpoint status %d: %s", status, te.Error)}
	}

	switch te.Error {
	case "invalid_client", "unauthorized_client", "invalid_request":
		return &AuthError{Kind: AuthErrConfig, Err: fmt.Errorf("%s: %s", te.Error, te.Description)}
	case "invalid_grant":
		return &AuthError{Kind: AuthErrExpiredCredential, Err: fmt.Errorf("%s: %s", te.Error, te.Description)}
	default:
		return &AuthError{Kind: AuthErrConfig, Err: fmt.Errorf("token endpoint status %d: %s", status, strings.TrimSpace(string(body)))}
	}
}
