package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/rs/zerolog/log"
)

// Client calls the GitHub API authenticated as the App. It is safe for
// concurrent use.
type Client struct {
	client *github.Client
}

type ClientConfig struct {
	Transport http.RoundTripper
}

type ClientOption func(*ClientConfig)

// WithTransport sets the transport wrapped by the App authentication layer.
// It defaults to http.DefaultTransport at construction time.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = rt
	}
}

func New(cfg config.GithubConfig, assertions *AssertionCache, opts ...ClientOption) (Client, error) {
	clientConfig := &ClientConfig{
		Transport: http.DefaultTransport,
	}
	for _, o := range opts {
		o(clientConfig)
	}

	// Everything this client calls is JWT authenticated, so every request
	// carries the current App assertion.
	client := github.NewClient(
		&http.Client{
			Transport: &appTransport{
				assertions: assertions,
				wrapped:    clientConfig.Transport,
			},
		},
	)

	if cfg.APIURL != "" {
		u, err := apiBaseURL(cfg.APIURL)
		if err != nil {
			return Client{}, err
		}
		client.BaseURL = u
	}

	return Client{client}, nil
}

// NewInstallationClient creates a go-github client that authenticates with
// whatever transport it is given, typically an oauth2 transport over an
// installation token source.
func NewInstallationClient(cfg config.GithubConfig, httpClient *http.Client) (*github.Client, error) {
	client := github.NewClient(httpClient)

	if cfg.APIURL != "" {
		u, err := apiBaseURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = u
	}

	return client, nil
}

func apiBaseURL(apiURL string) (*url.URL, error) {
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}

	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse GitHub API URL: %w", err)
	}

	return u, nil
}

// appTransport authenticates each request as the App.
type appTransport struct {
	assertions *AssertionCache
	wrapped    http.RoundTripper
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	assertion, err := t.assertions.Current(req.Context())
	if err != nil {
		return nil, err
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+assertion.Token)

	return t.wrapped.RoundTrip(authed)
}

// CreateInstallationToken exchanges the App assertion for a token scoped to a
// single installation. Nil permissions request the installation's full grant.
func (c Client) CreateInstallationToken(ctx context.Context, installationID int64, permissions *github.InstallationPermissions) (string, time.Time, error) {
	var opts *github.InstallationTokenOptions
	if permissions != nil {
		opts = &github.InstallationTokenOptions{Permissions: permissions}
	}

	tok, r, err := c.client.Apps.CreateInstallationToken(ctx, installationID, opts)
	if err != nil {
		return "", time.Time{}, err
	}

	log.Info().
		Int64("installationID", installationID).
		Int("limit", r.Rate.Limit).
		Int("remaining", r.Rate.Remaining).
		Msg("github token API rate")

	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}

// AppInfo describes the App as GitHub sees it.
type AppInfo struct {
	ID                 int64  `json:"id" yaml:"id"`
	Slug               string `json:"slug" yaml:"slug"`
	Name               string `json:"name" yaml:"name"`
	Owner              string `json:"owner" yaml:"owner"`
	HTMLURL            string `json:"html_url" yaml:"html_url"`
	InstallationsCount int    `json:"installations_count" yaml:"installations_count"`
}

// App fetches the authenticated App. It is the cheapest call that proves the
// signing identity is accepted by GitHub.
func (c Client) App(ctx context.Context) (AppInfo, error) {
	app, _, err := c.client.Apps.Get(ctx, "")
	if err != nil {
		return AppInfo{}, classifyLookupError("app", err)
	}

	return AppInfo{
		ID:                 app.GetID(),
		Slug:               app.GetSlug(),
		Name:               app.GetName(),
		Owner:              app.GetOwner().GetLogin(),
		HTMLURL:            app.GetHTMLURL(),
		InstallationsCount: app.GetInstallationsCount(),
	}, nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) &&
		ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

// classifyLookupError keeps configuration and signing failures distinct from
// transient platform failures.
func classifyLookupError(lookup string, err error) error {
	var cfgErr ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr
	}

	var signErr SigningError
	if errors.As(err, &signErr) {
		return signErr
	}

	return LookupFailedError{Lookup: lookup, Err: err}
}
