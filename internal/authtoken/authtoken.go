// Package authtoken issues short-lived owner session tokens and enforces
// OTP step-up on the two highest-blast-radius admin actions (enabling real
// execution, clearing the kill switch early). The owner-key check itself
// stays in internal/httpserver per spec.md §6; this package is additive,
// per SPEC_FULL.md §C.6.
package authtoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sigmapilot/sigmapilot/internal/httpserver"
)

const sessionTTL = 1 * time.Hour

// Claims identifies an authenticated owner session.
type Claims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies owner session tokens with a single HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer derives an Issuer from OWNER_TOKEN itself: the owner key seeds
// the HMAC secret, so no extra secret needs provisioning.
func NewIssuer(ownerToken string) *Issuer {
	return &Issuer{secret: []byte(ownerToken)}
}

// Issue mints a session JWT for service, valid for sessionTTL.
func (i *Issuer) Issue(service string) (string, error) {
	now := time.Now()
	claims := Claims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("authtoken: sign session: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session JWT previously issued by Issue.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("authtoken: invalid session token: %w", err)
	}
	return &claims, nil
}

// RequireSession is gin middleware that verifies an "Authorization: Bearer
// <jwt>" session minted by Issue, for routes that accept a session in place
// of re-presenting x-owner-key on every call.
func (i *Issuer) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httpserver.RespondError(c, http.StatusUnauthorized, errors.New("missing bearer session token"))
			c.Abort()
			return
		}
		claims, err := i.Verify(parts[1])
		if err != nil {
			httpserver.RespondError(c, http.StatusForbidden, err)
			c.Abort()
			return
		}
		c.Set("session_service", claims.Service)
		c.Next()
	}
}

// SecretLookup resolves the owner's enrolled TOTP secret, returning ok=false
// if step-up has never been enrolled.
type SecretLookup func() (secret string, ok bool)

// StepUp requires a valid TOTP code in the "x-otp-code" header before
// letting the request through. It wraps the two endpoints SPEC_FULL.md §C.6
// names: enabling real execution and clearing an active kill switch ahead
// of its cooldown.
func StepUp(lookup SecretLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := lookup()
		if !ok {
			httpserver.RespondError(c, http.StatusForbidden, errors.New("otp step-up not enrolled"))
			c.Abort()
			return
		}
		code := c.GetHeader("x-otp-code")
		if code == "" || !ValidateCode(secret, code) {
			httpserver.RespondError(c, http.StatusForbidden, errors.New("invalid or missing x-otp-code"))
			c.Abort()
			return
		}
		c.Next()
	}
}
