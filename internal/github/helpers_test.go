package github_test

import (
	"context"
	"testing"

	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/github"
	"github.com/octopulse/installation-broker/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

// newTestClient returns an App client for mock whose assertions the mock
// verifies.
func newTestClient(t *testing.T, mock *testhelpers.MockGitHubServer) github.Client {
	t.Helper()

	key, pemKey := testhelpers.GenerateKey(t)
	mock.VerifyKey = &key.PublicKey

	cfg := config.GithubConfig{
		APIURL:        mock.Server.URL,
		ApplicationID: "12345",
		PrivateKey:    pemKey,
	}

	identity := github.NewSigningIdentity(context.Background(), cfg)
	require.NoError(t, identity.Err())

	client, err := github.New(cfg, github.NewAssertionCache(identity, github.DefaultAssertionPolicy))
	require.NoError(t, err)

	return client
}
