package rc

import "fmt"

type AuthErrorKind string

const (
	// AuthErrConfig means the credentials themselves are wrong; retrying
	// will not help until configuration is fixed.
	AuthErrConfig AuthErrorKind = "config"
	// AuthErrExpiredCredential means the assertion, code or refresh token
	// is no longer accepted by the backend.
	AuthErrExpiredCredential AuthErrorKind = "expired-credential"
	// AuthErrTransient covers network failures and backend 5xx responses.
	AuthErrTransient AuthErrorKind = "transient"
)

type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the remote backend outside the token
// endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api: status %d code %q: %s", e.StatusCode, e.Code, e.Message)
}
