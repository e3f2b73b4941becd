package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserNameKey contextKey = "user_name"
)

const defaultSessionTTL = 12 * time.Hour

var (
	ErrNoSession    = errors.New("not signed in")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by a session token. Subject holds the username.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// SessionSource reports who is signed in to the store.
type SessionSource interface {
	CurrentUser() (username, name string, ok bool)
}

// SessionSourceFunc adapts a function to SessionSource.
type SessionSourceFunc func() (string, string, bool)

func (f SessionSourceFunc) CurrentUser() (string, string, bool) { return f() }

// Issuer signs and verifies HS256 session tokens. An Issuer without a secret
// is disabled: it issues no tokens and RequireSession only checks the store.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl defaults to 12 hours.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are issued and required.
func (i *Issuer) Enabled() bool { return i != nil && len(i.secret) > 0 }

// Issue returns a signed token for username. It returns an empty token when
// the issuer is disabled.
func (i *Issuer) Issue(username, name string) (string, time.Time, error) {
	if !i.Enabled() {
		return "", time.Time{}, nil
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: name,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, exp, nil
}

// Verify parses and validates a token.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireSession rejects requests while nobody is signed in to the store.
// With an enabled issuer the request must also carry a bearer token for the
// signed-in user.
func RequireSession(src SessionSource, issuer *Issuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			username, name, ok := src.CurrentUser()
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrNoSession.Error())
			}

			if issuer.Enabled() {
				authHeader := c.Request().Header.Get("Authorization")
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
				}
				claims, err := issuer.Verify(strings.TrimSpace(parts[1]))
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
				}
				if claims.Subject != username {
					return echo.NewHTTPError(http.StatusUnauthorized, "token does not match the signed-in user")
				}
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, username)
			ctx = context.WithValue(ctx, UserNameKey, name)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func UserNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(UserNameKey).(string)
	return name
}
