package rc

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const assertionLifetime = 60 * time.Second

// buildAssertion signs the short-lived JWT exchanged for an access token in
// jwt mode. The backend validates issuer (client id) and audience (its own
// token URL base).
func buildAssertion(clientID, audience string, key *rsa.PrivateKey, now time.Time) (string, error) {
	if clientID == "" {
		return "", errors.New("missing client id")
	}
	if key == nil {
		return "", errors.New("missing private key")
	}

	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
