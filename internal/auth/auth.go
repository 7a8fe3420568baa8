// Package auth verifies bearer tokens and carries the caller's identity
// through a request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zulandar/milepost/internal/models"
)

const actorKey = "milepost.actor"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidRole  = errors.New("auth: role must be client or freelancer")
)

// Actor is the verified caller.
type Actor struct {
	ID   string
	Role models.Party
}

// Claims are the token claims: the subject is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier parses tokens signed with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates tokenStr and returns the actor it names.
func (v *Verifier) Parse(tokenStr string) (Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return Actor{}, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return Actor{}, fmt.Errorf("auth: token has no subject: %w", jwt.ErrTokenInvalidClaims)
	}
	role := models.Party(claims.Role)
	if !role.Valid() {
		return Actor{}, ErrInvalidRole
	}
	return Actor{ID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor valid for ttl. The server never issues
// tokens; `milepost token` and tests do.
func (v *Verifier) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// Middleware rejects requests without a valid token and stores the actor
// on the gin context. onError renders the rejection.
func Middleware(v *Verifier, onError func(c *gin.Context, status int, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			onError(c, http.StatusUnauthorized, err)
			return
		}
		actor, err := v.Parse(tokenStr)
		if err != nil {
			onError(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// FromContext returns the actor stored by Middleware.
func FromContext(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
