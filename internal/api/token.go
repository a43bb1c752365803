package api

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs an access token the middleware accepts. Tokens are
// normally minted by the identity provider; this is for tooling and tests.
func IssueToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	return issue(secret, userID, name, "", ttl)
}

// IssueOperatorToken signs an access token carrying the operator role.
func IssueOperatorToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	return issue(secret, userID, name, RoleOperator, ttl)
}

func issue(secret []byte, userID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		UserID:    userID,
		Name:      name,
		TokenType: "access",
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
