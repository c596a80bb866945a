package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const ownerKey = "medwatch.owner"

// requireOwner validates the bearer token (HS256) and stores the numeric
// "sub" claim as the request owner.
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return errUnauthorized
		}
		owner, err := parseOwner(s.secret, strings.TrimSpace(raw))
		if err != nil {
			s.log.Debug("token rejected")
			return errUnauthorized
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func parseOwner(secret []byte, raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("sub is not a user id")
	}
	return id, nil
}

func ownerFrom(c echo.Context) int64 {
	id, _ := c.Get(ownerKey).(int64)
	return id
}

// NewToken signs an HS256 token for owner. A zero ttl means no expiry.
func NewToken(secret []byte, owner int64, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(owner, 10),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
