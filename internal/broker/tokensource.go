package broker

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// installationTokenSource adapts the installation token cache to oauth2, so
// that an oauth2.Transport always sends a token with safety margin left.
type installationTokenSource struct {
	ctx            context.Context
	tokens         Tokens
	installationID int64
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.tokens.TokenFor(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: tok.Token,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresAt,
	}, nil
}

// TokenSource returns an oauth2.TokenSource for one installation. The source
// shares the broker's cache and single-flight refresh; ctx bounds every
// refresh it performs.
func (b *Broker) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	return installationTokenSource{
		ctx:            ctx,
		tokens:         b.tokens,
		installationID: installationID,
	}
}

// HTTPClient returns a client that authenticates every request as the
// installation. The source is used directly rather than through
// oauth2.ReuseTokenSource, whose own expiry window is narrower than the
// broker's safety margin.
func (b *Broker) HTTPClient(ctx context.Context, installationID int64) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: b.TokenSource(ctx, installationID),
			Base:   http.DefaultTransport,
		},
	}
}
