// Package session supplies the credentials attached to every API request of
// a sync run: the configured bearer token and a per-run session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/treemapper/treesync/internal/api"
)

var (
	// ErrNoToken is returned when no access token is configured.
	ErrNoToken = errors.New("no access token configured")

	// ErrTokenExpired is returned when the token carries an exp claim in the past.
	ErrTokenExpired = errors.New("access token expired")
)

// Provider hands out credentials for one run at a time.
type Provider struct {
	token string
	now   func() time.Time
}

// NewProvider creates a Provider for the given access token.
func NewProvider(token string) *Provider {
	return &Provider{token: strings.TrimSpace(token), now: time.Now}
}

// Credentials returns the token with a freshly minted session id. Call it
// once per run.
func (p *Provider) Credentials(_ context.Context) (api.Credentials, error) {
	if p.token == "" {
		return api.Credentials{}, ErrNoToken
	}
	if err := p.checkExpiry(); err != nil {
		return api.Credentials{}, err
	}
	return api.Credentials{Token: p.token, SessionID: uuid.NewString()}, nil
}

// Expiry returns the token's exp claim. ok is false for opaque tokens and
// JWTs without exp.
func (p *Provider) Expiry() (exp time.Time, ok bool) {
	if strings.Count(p.token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

// checkExpiry rejects JWTs past their exp. The signature is not verified:
// the server does that, this only avoids a run that cannot succeed.
func (p *Provider) checkExpiry() error {
	exp, ok := p.Expiry()
	if !ok {
		return nil
	}
	if !p.now().Before(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
