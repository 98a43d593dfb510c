package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("invalid terminal token")
	ErrTokenMissing = errors.New("terminal token required")
)

// Claims 是终端访问令牌的载荷
type Claims struct {
	Purpose string `json:"purpose"`
	// Project 非空时令牌只对该项目有效
	Project string `json:"project,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks the short-lived HS256 token handed to the WebSocket.
type Verifier struct {
	secret   []byte
	purpose  string
	required bool
	now      func() time.Time
}

func NewVerifier(secret, purpose string, required bool) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		purpose:  purpose,
		required: required,
		now:      time.Now,
	}
}

func (v *Verifier) Required() bool { return v.required }

// Verify accepts a missing token only when tokens are optional. A supplied
// token is always checked when a secret is configured.
func (v *Verifier) Verify(token, project string) (*Claims, error) {
	if token == "" {
		if v.required {
			return nil, ErrTokenMissing
		}
		return nil, nil
	}
	if len(v.secret) == 0 {
		if v.required {
			return nil, fmt.Errorf("%w: no secret configured", ErrTokenInvalid)
		}
		return nil, nil
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Purpose != v.purpose {
		return nil, fmt.Errorf("%w: purpose %q", ErrTokenInvalid, claims.Purpose)
	}
	if claims.Project != "" && project != "" && claims.Project != project {
		return nil, fmt.Errorf("%w: issued for project %q", ErrTokenInvalid, claims.Project)
	}
	return claims, nil
}

// Issue signs a token for project valid for ttl. Used by the CLI and tests.
func (v *Verifier) Issue(project string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("no token secret configured")
	}
	now := v.now()
	claims := Claims{
		Purpose: v.purpose,
		Project: project,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
