package github

import (
	"context"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// AppAssertion is a signed App JWT proving the identity of the GitHub App
// itself. It is never scoped to an installation.
type AppAssertion struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SigningIdentity owns the application id and its signing key. A
// misconfigured identity is still constructed so that the failure surfaces as
// a ConfigurationError from the first signing attempt.
type SigningIdentity struct {
	applicationID string
	signer        ghinstallation.Signer
	err           error
}

// NewSigningIdentity loads the signing key described by cfg.
func NewSigningIdentity(ctx context.Context, cfg config.GithubConfig) SigningIdentity {
	if cfg.ApplicationID == "" {
		return SigningIdentity{err: ConfigurationError{Reason: "no application ID specified"}}
	}

	signer, err := createSigner(ctx, cfg)

	return SigningIdentity{
		applicationID: cfg.ApplicationID,
		signer:        signer,
		err:           err,
	}
}

// NewSigningIdentityFromSigner creates an identity for an already constructed
// signer.
func NewSigningIdentityFromSigner(applicationID string, signer ghinstallation.Signer) SigningIdentity {
	return SigningIdentity{
		applicationID: applicationID,
		signer:        signer,
	}
}

// Err returns the configuration problem recorded at construction, if any.
func (s SigningIdentity) Err() error {
	return s.err
}

// sign produces an RS256 JWT carrying exactly the iss, iat and exp claims that
// GitHub verifies. Remote signers are bounded by ctx.
func (s SigningIdentity) sign(ctx context.Context, issuedAt, expiresAt time.Time) (AppAssertion, error) {
	if s.err != nil {
		return AppAssertion{}, s.err
	}
	if s.signer == nil {
		return AppAssertion{}, ConfigurationError{Reason: "no signer configured"}
	}

	claims := jwt.RegisteredClaims{
		Issuer:    s.applicationID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	var (
		token string
		err   error
	)
	if cs, ok := s.signer.(contextSigner); ok {
		token, err = cs.SignContext(ctx, claims)
	} else {
		token, err = s.signer.Sign(claims)
	}
	if err != nil {
		return AppAssertion{}, SigningError{Err: err}
	}

	return AppAssertion{
		Token:     token,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// AssertionPolicy controls the validity window of issued assertions.
type AssertionPolicy struct {
	// Lifetime is added to the current time to produce the expiry. GitHub
	// rejects anything beyond 10 minutes.
	Lifetime time.Duration
	// SafetyMargin forces a new assertion once less than this remains.
	SafetyMargin time.Duration
	// ClockSkew backdates the issued-at claim.
	ClockSkew time.Duration
}

// DefaultAssertionPolicy stays safely under GitHub's 10 minute ceiling.
var DefaultAssertionPolicy = AssertionPolicy{
	Lifetime:     9 * time.Minute,
	SafetyMargin: 60 * time.Second,
	ClockSkew:    60 * time.Second,
}

// AssertionCache holds at most one live AppAssertion. Concurrent callers that
// find it missing or expiring share a single signing operation.
type AssertionCache struct {
	identity SigningIdentity
	policy   AssertionPolicy
	now      func() time.Time

	mu      sync.RWMutex
	current *AppAssertion

	flight singleflight.Group
}

// AssertionCacheOption configures an AssertionCache.
type AssertionCacheOption func(*AssertionCache)

// WithAssertionClock replaces the time source, for tests.
func WithAssertionClock(now func() time.Time) AssertionCacheOption {
	return func(c *AssertionCache) {
		c.now = now
	}
}

func NewAssertionCache(identity SigningIdentity, policy AssertionPolicy, opts ...AssertionCacheOption) *AssertionCache {
	c := &AssertionCache{
		identity: identity,
		policy:   policy,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

const assertionFlightKey = "app"

// Current returns the live assertion, signing a replacement when none is held
// or the held one is inside the safety margin.
func (c *AssertionCache) Current(ctx context.Context) (AppAssertion, error) {
	if a, ok := c.live(); ok {
		return a, nil
	}

	a, err := c.await(ctx)
	if err != nil && ctx.Err() == nil && isContextError(err) {
		// the signing flight was cancelled by its leader, not by this caller
		a, err = c.await(ctx)
	}

	return a, err
}

func (c *AssertionCache) await(ctx context.Context) (AppAssertion, error) {
	ch := c.flight.DoChan(assertionFlightKey, func() (any, error) {
		// a previous flight may have finished between the check and this call
		if a, ok := c.live(); ok {
			return a, nil
		}

		now := c.now()
		a, err := c.identity.sign(ctx, now.Add(-c.policy.ClockSkew), now.Add(c.policy.Lifetime))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = &a
		c.mu.Unlock()

		log.Debug().Time("expiry", a.ExpiresAt).Msg("issued new app assertion")

		return a, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AppAssertion{}, res.Err
		}
		return res.Val.(AppAssertion), nil
	case <-ctx.Done():
		return AppAssertion{}, ctx.Err()
	}
}

func (c *AssertionCache) live() (AppAssertion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return AppAssertion{}, false
	}

	if !c.now().Before(c.current.ExpiresAt.Add(-c.policy.SafetyMargin)) {
		return AppAssertion{}, false
	}

	return *c.current, true
}
