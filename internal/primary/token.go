package primary

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AuthScheme prefixes the Authorization header of every request.
const AuthScheme = "Geo"

// DefaultTokenTTL bounds how long a signed request stays valid.
const DefaultTokenTTL = time.Minute

// Claims are carried by a request token. Scope names what the token grants
// access to, such as "upload:9" or "status".
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for node, scoped to scope.
func SignToken(secret []byte, node, scope string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("sign token: empty secret")
	}
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    node,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature, expiry and scope of a token.
func VerifyToken(secret []byte, token, scope string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, fmt.Errorf("verify token: %w", err)
	}
	if claims.Scope != scope {
		return Claims{}, fmt.Errorf("verify token: scope %q does not grant %q", claims.Scope, scope)
	}
	return claims, nil
}
