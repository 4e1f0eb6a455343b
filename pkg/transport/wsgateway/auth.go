package wsgateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid authorization token")
)

// UserIDClaim is the JWT claim carrying the user id.
const UserIDClaim = "user_id"

// Authenticator derives the connecting user's id from the upgrade request.
// With a secret it expects an HMAC-signed JWT carrying a user_id claim (sub
// is accepted as a fallback). Without one the token is taken as the user id
// itself, which is only suitable for development.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator. An empty secret selects raw-id mode.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verifies reports whether tokens are cryptographically checked.
func (a *Authenticator) Verifies() bool {
	return len(a.secret) > 0
}

// Identify returns the user id claimed by r.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return "", ErrMissingToken
	}
	if !a.Verifies() {
		return tokenString, nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if userID, ok := claims[UserIDClaim].(string); ok && userID != "" {
		return userID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: no %s claim", ErrInvalidToken, UserIDClaim)
}

// extractToken reads the Authorization header, falling back to the token
// query parameter since browsers cannot set headers on a WebSocket upgrade.
func extractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(bearerToken, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
