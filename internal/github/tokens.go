package github

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// InstallationToken is an access token scoped to one installation.
type InstallationToken struct {
	InstallationID int64     `json:"installation_id"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// TokenExchanger exchanges App credentials for an installation token.
type TokenExchanger interface {
	CreateInstallationToken(ctx context.Context, installationID int64, permissions *github.InstallationPermissions) (string, time.Time, error)
}

// InstallationTokens caches one token per installation. Valid entries are
// served straight from the cache; misses and expiring entries are refreshed
// with at most one exchange in flight per installation.
type InstallationTokens struct {
	exchanger    TokenExchanger
	store        cache.TokenCache[InstallationToken]
	safetyMargin time.Duration
	permissions  *github.InstallationPermissions
	now          func() time.Time

	flight singleflight.Group
}

type InstallationTokensOption func(*InstallationTokens)

// WithPermissions narrows every exchanged token to the given permissions.
func WithPermissions(permissions *github.InstallationPermissions) InstallationTokensOption {
	return func(t *InstallationTokens) {
		t.permissions = permissions
	}
}

// WithTokenClock replaces the time source, for tests.
func WithTokenClock(now func() time.Time) InstallationTokensOption {
	return func(t *InstallationTokens) {
		t.now = now
	}
}

func NewInstallationTokens(exchanger TokenExchanger, store cache.TokenCache[InstallationToken], safetyMargin time.Duration, opts ...InstallationTokensOption) *InstallationTokens {
	t := &InstallationTokens{
		exchanger:    exchanger,
		store:        store,
		safetyMargin: safetyMargin,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// TokenFor returns a token for installationID that remains valid for at least
// the safety margin. A failed exchange is never papered over with a stale
// token.
func (t *InstallationTokens) TokenFor(ctx context.Context, installationID int64) (InstallationToken, error) {
	key := strconv.FormatInt(installationID, 10)

	if tok, ok := t.cached(ctx, key); ok {
		return tok, nil
	}

	tok, err := t.await(ctx, key, installationID)
	if err != nil && ctx.Err() == nil && isContextError(err) {
		// the flight belonged to a caller that went away; this caller is
		// still waiting, so it runs a flight of its own
		tok, err = t.await(ctx, key, installationID)
	}

	return tok, err
}

// await joins (or leads) the exchange for key. The exchange runs on the
// leader's context.
func (t *InstallationTokens) await(ctx context.Context, key string, installationID int64) (InstallationToken, error) {
	ch := t.flight.DoChan(key, func() (any, error) {
		// a previous flight may have stored a fresh token since the miss
		if tok, ok := t.cached(ctx, key); ok {
			return tok, nil
		}

		return t.exchange(ctx, key, installationID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return InstallationToken{}, res.Err
		}
		return res.Val.(InstallationToken), nil
	case <-ctx.Done():
		return InstallationToken{}, TokenExchangeFailedError{InstallationID: installationID, Err: ctx.Err()}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (t *InstallationTokens) exchange(ctx context.Context, key string, installationID int64) (InstallationToken, error) {
	token, expiry, err := t.exchanger.CreateInstallationToken(ctx, installationID, t.permissions)
	if err != nil {
		return InstallationToken{}, TokenExchangeFailedError{InstallationID: installationID, Err: err}
	}

	tok := InstallationToken{
		InstallationID: installationID,
		Token:          token,
		ExpiresAt:      expiry,
	}

	if !t.usable(tok) {
		return InstallationToken{}, TokenExchangeFailedError{
			InstallationID: installationID,
			Err:            fmt.Errorf("issued token expires at %s, inside the %s safety margin", expiry.Format(time.RFC3339), t.safetyMargin),
		}
	}

	if err := t.store.Set(ctx, key, tok); err != nil {
		// the token is still good for this caller
		log.Warn().Err(err).Int64("installationID", installationID).Msg("failed to cache installation token")
	}

	log.Info().
		Int64("installationID", installationID).
		Time("expiry", expiry).
		Msg("installation token issued")

	return tok, nil
}

func (t *InstallationTokens) cached(ctx context.Context, key string) (InstallationToken, bool) {
	tok, found, err := t.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("installation token cache read failed")
		return InstallationToken{}, false
	}

	if !found || !t.usable(tok) {
		return InstallationToken{}, false
	}

	return tok, true
}

// usable applies the safety margin to the token's own expiry.
func (t *InstallationTokens) usable(tok InstallationToken) bool {
	return t.now().Before(tok.ExpiresAt.Add(-t.safetyMargin))
}
