package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/octopulse/installation-broker/internal/github"
)

const (
	acceptHeader       = "application/vnd.github+json"
	apiVersion         = "2022-11-28"
	headerAPIVersion   = "X-GitHub-Api-Version"
	tenantAuthScheme   = "token "
	appLevelAuthScheme = "Bearer "
)

// Headers are the request headers that authenticate one GitHub API call.
type Headers map[string]string

// Apply sets the headers on req, replacing existing values.
func (h Headers) Apply(req *http.Request) {
	for k, v := range h {
		req.Header.Set(k, v)
	}
}

// Authentication is a header set together with the scope it was issued for
// and the time after which it must not be used.
type Authentication struct {
	Scope     Scope     `json:"scope"`
	Headers   Headers   `json:"headers"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Assertions supplies the current App assertion.
type Assertions interface {
	Current(ctx context.Context) (github.AppAssertion, error)
}

// Tokens supplies installation tokens.
type Tokens interface {
	TokenFor(ctx context.Context, installationID int64) (github.InstallationToken, error)
}

// HeaderEmitter turns a scope into request headers. It has no cache of its
// own and never substitutes app-level headers for a failed tenant token.
type HeaderEmitter struct {
	assertions Assertions
	tokens     Tokens
}

func NewHeaderEmitter(assertions Assertions, tokens Tokens) HeaderEmitter {
	return HeaderEmitter{
		assertions: assertions,
		tokens:     tokens,
	}
}

// HeadersFor authenticates scope.
func (e HeaderEmitter) HeadersFor(ctx context.Context, scope Scope) (Authentication, error) {
	if scope.IsAppLevel() {
		a, err := e.assertions.Current(ctx)
		if err != nil {
			return Authentication{}, err
		}

		return Authentication{
			Scope:     AppLevel(),
			Headers:   headers(appLevelAuthScheme + a.Token),
			ExpiresAt: a.ExpiresAt,
		}, nil
	}

	tok, err := e.tokens.TokenFor(ctx, scope.InstallationID)
	if err != nil {
		return Authentication{}, err
	}

	return Authentication{
		Scope:     scope,
		Headers:   headers(tenantAuthScheme + tok.Token),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

func headers(authorization string) Headers {
	return Headers{
		"Authorization":  authorization,
		"Accept":         acceptHeader,
		headerAPIVersion: apiVersion,
	}
}
