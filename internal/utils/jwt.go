package utils // package utils provides helper functions for token creation

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken represents a signed JWT access token along with its expiry.
// Access tokens are sent in the Authorization header when calling the
// document API.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewAccessToken builds and signs an HS256 JWT for an API client.  The
// JWT includes the standard claims subject (sub), expiration (exp) and
// issued at (iat), plus the client's role.
func NewAccessToken(secret, clientID, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" || clientID == "" {
		return AccessToken{}, errors.New("utils: secret and client id are required")
	}
	if ttl <= 0 {
		return AccessToken{}, errors.New("utils: ttl must be positive")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  clientID,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
