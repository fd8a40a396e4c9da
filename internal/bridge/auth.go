package bridge

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errBadToken = errors.New("bridge: invalid token")

// verifyToken validates an HMAC-signed JWT against the configured secret
// and returns its subject. Expiry and not-before claims are enforced by
// the parser.
func verifyToken(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadToken, err)
	}
	if !parsed.Valid {
		return "", errBadToken
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadToken, err)
	}
	return sub, nil
}
