package http

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const sessionUserKey = "username"

var (
	ErrNoIdentity = errors.New("no identity")
	ErrBadToken   = errors.New("invalid token")
)

// IdentityResolver turns a request into the username a session is bound to.
// Order: bearer token, then cookie session, then ?username when anonymous access is allowed.
type IdentityResolver struct {
	Secret         []byte
	AllowAnonymous bool
}

func (r IdentityResolver) Resolve(c *gin.Context) (string, error) {
	if raw := bearerToken(c); raw != "" {
		return r.parseToken(raw)
	}
	if u, ok := sessions.Default(c).Get(sessionUserKey).(string); ok && u != "" {
		return u, nil
	}
	if r.AllowAnonymous {
		if u := c.Query("username"); u != "" {
			return u, nil
		}
	}
	return "", ErrNoIdentity
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return c.Query("token")
}

func (r IdentityResolver) parseToken(raw string) (string, error) {
	if len(r.Secret) == 0 {
		return "", fmt.Errorf("%w: tokens are disabled", ErrBadToken)
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	if !tok.Valid {
		return "", ErrBadToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrBadToken)
	}
	return sub, nil
}

// IssueToken signs an HS256 token whose subject is username.
func IssueToken(secret []byte, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
