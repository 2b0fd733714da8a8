// Package auth verifies the bearer tokens issued by the account service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is what the chat core reads from a token: the subject and the
// profile fields it mirrors into the users table.
type Claims struct {
	UserID  uuid.UUID
	Name    string
	Email   string
	PhoneNo string
	Picture string

	// ExpiresAt is zero when the token carries no exp claim.
	ExpiresAt time.Time
}

func (c *Claims) User(now time.Time) *domain.User {
	return &domain.User{
		ID:        c.UserID,
		Name:      c.Name,
		Email:     c.Email,
		PhoneNo:   c.PhoneNo,
		Image:     c.Picture,
		CreatedAt: now,
	}
}

// ParseToken validates an HS256 token and extracts its claims.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, jwt.ErrTokenInvalidClaims)
	}

	sub, err := mc.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	claims := &Claims{
		UserID:  userID,
		Name:    stringClaim(mc, "name"),
		Email:   stringClaim(mc, "email"),
		PhoneNo: stringClaim(mc, "phone_no"),
		Picture: stringClaim(mc, "picture"),
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// IssueToken signs a token for c. The account service issues tokens in
// production; this is used by the dev CLI and tests.
func IssueToken(c Claims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.UserID.String(),
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range map[string]string{"name": c.Name, "email": c.Email, "phone_no": c.PhoneNo, "picture": c.Picture} {
		if v != "" {
			claims[k] = v
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func stringClaim(mc jwt.MapClaims, key string) string {
	s, _ := mc[key].(string)
	return s
}

// Subject reads the user id from a token without verifying it. Clients use it
// to learn who they are; servers must use ParseToken.
func Subject(tokenStr string) (uuid.UUID, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return uuid.Parse(sub)
}
