package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/octopulse/installation-broker/internal/cache"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/github"
	"github.com/rs/zerolog/log"
)

// tokenCacheTTL bounds how long an entry can sit in the cache. GitHub issues
// installation tokens for one hour; validity itself is checked against each
// token's own expiry.
const tokenCacheTTL = 1 * time.Hour

// Broker owns the App's signing identity and every credential derived from
// it. Create one per process and share it; it is safe for concurrent use.
type Broker struct {
	github config.GithubConfig

	client     github.Client
	directory  github.Directory
	assertions *github.AssertionCache
	tokens     *github.InstallationTokens
	store      cache.TokenCache[github.InstallationToken]

	resolver Resolver
	emitter  HeaderEmitter
}

type options struct {
	transport http.RoundTripper
	now       func() time.Time
}

type Option func(*options)

// WithTransport sets the transport used for GitHub API calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithClock replaces the time source for both credential caches.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New builds a broker from configuration. A missing or unusable signing key
// is reported here as a github.ConfigurationError.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Broker, error) {
	o := options{
		transport: http.DefaultTransport,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	identity := github.NewSigningIdentity(ctx, cfg.Github)
	if err := identity.Err(); err != nil {
		return nil, err
	}

	permissions, err := github.ScopesToPermissions(cfg.Github.TokenPermissions)
	if err != nil {
		return nil, github.ConfigurationError{Reason: "GITHUB_APP_TOKEN_PERMISSIONS", Err: err}
	}

	assertions := github.NewAssertionCache(
		identity,
		github.AssertionPolicy{
			Lifetime:     cfg.Broker.AssertionLifetime,
			SafetyMargin: cfg.Broker.AssertionSafetyMargin,
			ClockSkew:    cfg.Broker.ClockSkew,
		},
		github.WithAssertionClock(o.now),
	)

	client, err := github.New(cfg.Github, assertions, github.WithTransport(o.transport))
	if err != nil {
		return nil, fmt.Errorf("github client configuration failed: %w", err)
	}

	memory, err := cache.NewMemory[github.InstallationToken](tokenCacheTTL, cfg.Broker.TokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("token cache configuration failed: %w", err)
	}
	store := cache.NewInstrumented(memory, "installation_tokens")

	tokens := github.NewInstallationTokens(
		client,
		store,
		cfg.Broker.TokenSafetyMargin,
		github.WithPermissions(permissions),
		github.WithTokenClock(o.now),
	)

	directory := github.NewDirectory(client)

	return &Broker{
		github:     cfg.Github,
		client:     client,
		directory:  directory,
		assertions: assertions,
		tokens:     tokens,
		store:      store,
		resolver:   NewResolver(directory),
		emitter:    NewHeaderEmitter(assertions, tokens),
	}, nil
}

// ResolveAndAuthenticate resolves ac to a scope and returns headers for it.
func (b *Broker) ResolveAndAuthenticate(ctx context.Context, ac AuthContext) (Headers, Scope, error) {
	auth, err := b.Authenticate(ctx, ac)
	if err != nil {
		return nil, auth.Scope, err
	}

	return auth.Headers, auth.Scope, nil
}

// Authenticate is ResolveAndAuthenticate with the credential expiry. When
// authentication fails after a successful resolution, the resolved scope is
// still returned.
func (b *Broker) Authenticate(ctx context.Context, ac AuthContext) (Authentication, error) {
	scope, err := b.resolver.Resolve(ctx, ac)
	if err != nil {
		return Authentication{}, err
	}

	auth, err := b.emitter.HeadersFor(ctx, scope)
	if err != nil {
		return Authentication{Scope: scope}, err
	}

	return auth, nil
}

// Resolve exposes the resolution step on its own.
func (b *Broker) Resolve(ctx context.Context, ac AuthContext) (Scope, error) {
	return b.resolver.Resolve(ctx, ac)
}

// HeadersForAppLevel authenticates as the App itself.
func (b *Broker) HeadersForAppLevel(ctx context.Context) (Headers, error) {
	auth, err := b.emitter.HeadersFor(ctx, AppLevel())
	if err != nil {
		return nil, err
	}
	return auth.Headers, nil
}

// HeadersForTenant authenticates as one installation.
func (b *Broker) HeadersForTenant(ctx context.Context, installationID int64) (Headers, error) {
	auth, err := b.emitter.HeadersFor(ctx, Tenant(installationID))
	if err != nil {
		return nil, err
	}
	return auth.Headers, nil
}

// HeadersFor authenticates an already resolved scope.
func (b *Broker) HeadersFor(ctx context.Context, scope Scope) (Authentication, error) {
	return b.emitter.HeadersFor(ctx, scope)
}

// ListTenants enumerates the App's installations.
func (b *Broker) ListTenants(ctx context.Context) ([]github.TenantDescriptor, error) {
	return b.directory.AllTenants(ctx)
}

// AppInfo fetches the App from GitHub, proving that app-level authentication
// works end to end.
func (b *Broker) AppInfo(ctx context.Context) (github.AppInfo, error) {
	return b.client.App(ctx)
}

// Warm obtains (and caches) a token for the installation ahead of use.
func (b *Broker) Warm(ctx context.Context, installationID int64) error {
	tok, err := b.tokens.TokenFor(ctx, installationID)
	if err != nil {
		return err
	}

	log.Ctx(ctx).Debug().
		Int64("installationID", installationID).
		Time("expiry", tok.ExpiresAt).
		Msg("installation token warmed")

	return nil
}

// Forget drops the cached token for an installation, for example after it
// was suspended or deleted.
func (b *Broker) Forget(ctx context.Context, installationID int64) error {
	return b.store.Invalidate(ctx, fmt.Sprint(installationID))
}

// InstallURL is where a user installs the App: the public App page when the
// slug is known, otherwise the owner's App settings.
func (b *Broker) InstallURL() string {
	if b.github.AppSlug != "" {
		return "https://github.com/apps/" + url.PathEscape(b.github.AppSlug) + "/installations/new"
	}

	return "https://github.com/settings/apps/" + url.PathEscape(b.github.ApplicationID) + "/installations/new"
}

// InstallStatus summarises whether the App is installed anywhere.
type InstallStatus struct {
	Installed     bool                      `json:"installed"`
	Count         int                       `json:"count"`
	Installations []github.TenantDescriptor `json:"installations"`
	InstallURL    string                    `json:"install_url,omitempty"`
}

func (b *Broker) InstallStatus(ctx context.Context) (InstallStatus, error) {
	tenants, err := b.directory.AllTenants(ctx)
	if err != nil {
		return InstallStatus{}, err
	}

	status := InstallStatus{
		Installed:     len(tenants) > 0,
		Count:         len(tenants),
		Installations: tenants,
	}
	if !status.Installed {
		status.InstallURL = b.InstallURL()
	}

	return status, nil
}

// Close releases the token cache.
func (b *Broker) Close() error {
	return b.store.Close()
}
