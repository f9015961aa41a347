package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/broker"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func mockConnector(t *testing.T, mock *testhelpers.MockGitHubServer) connector {
	t.Helper()

	key, pemKey := testhelpers.GenerateKey(t)
	mock.VerifyKey = &key.PublicKey

	cfg := config.Config{
		Broker: config.BrokerConfig{
			AssertionLifetime:     9 * time.Minute,
			AssertionSafetyMargin: 60 * time.Second,
			ClockSkew:             60 * time.Second,
			TokenSafetyMargin:     60 * time.Second,
			TokenCacheSize:        100,
		},
		Github: config.GithubConfig{
			APIURL:        mock.Server.URL,
			ApplicationID: "1234",
			AppSlug:       "test-app",
			PrivateKey:    pemKey,
		},
	}

	return func(ctx context.Context) (config.Config, *broker.Broker, error) {
		b, err := broker.New(ctx, cfg)
		return cfg, b, err
	}
}

func runCommand(t *testing.T, mock *testhelpers.MockGitHubServer, args ...string) (string, error) {
	t.Helper()
	testhelpers.SetupLogger(t)

	var out bytes.Buffer
	err := run(context.Background(), args, &out, mockConnector(t, mock))

	return out.String(), err
}

func TestInstallations(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)
	mock.Installations = []*github.Installation{
		testhelpers.Installation(100, "alpha"),
		testhelpers.Installation(200, "beta"),
	}

	out, err := runCommand(t, mock, "installations")
	require.NoError(t, err)

	var listed []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, 100, listed[0]["id"])
	assert.Equal(t, "beta", listed[1]["account"])
}

func TestApp(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	out, err := runCommand(t, mock, "app")
	require.NoError(t, err)

	assert.Contains(t, out, "slug: test-app\n")
	assert.Contains(t, out, "owner: test-owner\n")
}

func TestInstallURL(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	out, err := runCommand(t, mock, "install-url")
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/apps/test-app/installations/new\n", out)
}

func TestResolve(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)
	mock.RepositoryInstallations["acme/widgets"] = 42

	out, err := runCommand(t, mock, "resolve", "--repository-url", "https://github.com/acme/widgets.git")
	require.NoError(t, err)

	assert.Equal(t, "context: repository\nscope: installation:42\n", out)
	assert.Zero(t, mock.TokenRequests.Load())
}

func TestHeaders(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)
	mock.OrganizationInstallations["acme"] = 7

	out, err := runCommand(t, mock, "headers", "--org", "acme")
	require.NoError(t, err)

	var printed authentication
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	assert.Equal(t, "installation:7", printed.Scope)
	assert.Equal(t, "token "+mock.Token, printed.Headers["Authorization"])
	assert.False(t, printed.ExpiresAt.IsZero())
}

func TestHeaders_WebhookFile(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	payload := filepath.Join(t.TempDir(), "push.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"installation":{"id":99}}`), 0o600))

	out, err := runCommand(t, mock, "headers", "--webhook", payload)
	require.NoError(t, err)

	assert.Contains(t, out, "scope: installation:99\n")
}

func TestHeaders_InvalidInstallationID(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	_, err := runCommand(t, mock, "headers", "--installation-id", "abc")

	var hintErr broker.InvalidHintError
	assert.ErrorAs(t, err, &hintErr)
}

func TestRepos(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	out, err := runCommand(t, mock, "repos", "--installation-id", "42")
	require.NoError(t, err)

	assert.Equal(t, "- test-org/test-repo\n", out)
	assert.Equal(t, int32(1), mock.TokenRequests.Load())
}

func TestRepos_AppLevelRejected(t *testing.T) {
	mock := testhelpers.SetupMockGitHubServer(t)

	_, err := runCommand(t, mock, "repos")

	assert.EqualError(t, err, "hints did not resolve to an installation")
}

func TestRun_ConnectFailure(t *testing.T) {
	failing := func(context.Context) (config.Config, *broker.Broker, error) {
		return config.Config{}, nil, errors.New("no configuration")
	}

	var out bytes.Buffer
	err := run(context.Background(), []string{"installations"}, &out, failing)

	assert.EqualError(t, err, "no configuration")
	assert.Empty(t, out.String())
}
