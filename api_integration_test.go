//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/broker"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/server"
	"github.com/octopulse/installation-broker/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APITestHarness runs the full HTTP surface against a mock GitHub API and a
// mock OIDC provider.
type APITestHarness struct {
	DefaultAudience string
	t               *testing.T
	Server          *httptest.Server
	JWKSServer      *httptest.Server
	GitHubMock      *testhelpers.MockGitHubServer
	jwk             *jose.JSONWebKey
}

func NewAPITestHarness(t *testing.T) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)
	hooks := server.ShutdownHooks{}

	t.Cleanup(func() {
		_ = hooks.Execute(context.Background())
	})

	harness := &APITestHarness{
		DefaultAudience: "test-audience",
		t:               t,
		jwk:             testhelpers.GenerateJWK(t),
	}

	harness.JWKSServer = testhelpers.SetupJWKSServer(t, harness.jwk)
	harness.GitHubMock = testhelpers.SetupMockGitHubServer(t)

	appKey, appKeyPEM := testhelpers.GenerateKey(t)
	harness.GitHubMock.VerifyKey = &appKey.PublicKey

	cfg := config.Config{
		Authorization: config.AuthorizationConfig{
			Audience:  harness.DefaultAudience,
			IssuerURL: harness.JWKSServer.URL,
		},
		Broker: config.BrokerConfig{
			AssertionLifetime:     9 * time.Minute,
			AssertionSafetyMargin: 60 * time.Second,
			ClockSkew:             60 * time.Second,
			TokenSafetyMargin:     60 * time.Second,
			TokenCacheSize:        100,
		},
		Github: config.GithubConfig{
			APIURL:        harness.GitHubMock.Server.URL,
			ApplicationID: "12345",
			AppSlug:       "test-app",
			PrivateKey:    appKeyPEM,
		},
		Observe: config.ObserveConfig{
			Enabled: false,
		},
	}

	b, err := broker.New(context.Background(), cfg)
	require.NoError(t, err)
	hooks.AddClose("token cache", b)

	handler, err := configureServerRoutes(cfg, b)
	require.NoError(t, err)

	harness.Server = httptest.NewServer(handler)
	hooks.AddClose("api-server", closerFunc(harness.Server.Close))

	return harness
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// CallerToken generates a valid caller JWT for subject.
func (h *APITestHarness) CallerToken(subject string) string {
	return testhelpers.CreateJWT(h.t, h.jwk, h.JWKSServer.URL, testhelpers.ValidClaims(josejwt.Claims{
		Subject:  subject,
		Audience: josejwt.Audience{h.DefaultAudience},
	}))
}

// Request performs a request against the API and returns the status and body.
func (h *APITestHarness) Request(method, path, token, body string) (int, []byte) {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	require.NoError(h.t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	return resp.StatusCode, data
}

func TestAPI_HealthCheckNeedsNoToken(t *testing.T) {
	harness := NewAPITestHarness(t)

	status, body := harness.Request(http.MethodGet, "/healthcheck", "", "")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_CredentialRoutesRequireToken(t *testing.T) {
	harness := NewAPITestHarness(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/headers"},
		{http.MethodGet, "/headers/app"},
		{http.MethodGet, "/headers/installations/42"},
		{http.MethodGet, "/installations"},
		{http.MethodGet, "/app"},
		{http.MethodGet, "/install/status"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			status, _ := harness.Request(route.method, route.path, "", "")
			assert.Equal(t, http.StatusBadRequest, status, "a request without a token is rejected")

			status, _ = harness.Request(route.method, route.path, "not-a-jwt", "")
			assert.Equal(t, http.StatusUnauthorized, status)
		})
	}

	assert.Zero(t, harness.GitHubMock.TokenRequests.Load())
	assert.Empty(t, harness.GitHubMock.Authorizations(), "rejected callers never reach GitHub")
}

func TestAPI_RepositoryHeadersThenCall(t *testing.T) {
	harness := NewAPITestHarness(t)
	harness.GitHubMock.RepositoryInstallations["test-org/test-repo"] = 67890
	token := harness.CallerToken("ci-runner")

	status, body := harness.Request(http.MethodPost, "/headers", token,
		`{"repository_url":"https://github.com/test-org/test-repo"}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var auth broker.Authentication
	require.NoError(t, json.Unmarshal(body, &auth))
	assert.Equal(t, broker.Tenant(67890), auth.Scope)

	// the headers work as-is against the API
	req, err := http.NewRequest(http.MethodGet, harness.GitHubMock.Server.URL+"/installation/repositories", nil)
	require.NoError(t, err)
	// the mock accepts installation tokens only as Bearer credentials
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(auth.Headers["Authorization"], "token "))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var repos github.ListRepositories
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&repos))
	require.Len(t, repos.Repositories, 1)
	assert.Equal(t, "test-org/test-repo", repos.Repositories[0].GetFullName())
}

func TestAPI_ConcurrentCallersShareOneExchange(t *testing.T) {
	harness := NewAPITestHarness(t)
	harness.GitHubMock.TokenDelay = 100 * time.Millisecond
	token := harness.CallerToken("ci-runner")

	var wg sync.WaitGroup
	statuses := make([]int, 10)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i], _ = harness.Request(http.MethodGet, "/headers/installations/42", token, "")
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, http.StatusOK, status, "caller %d", i)
	}
	assert.Equal(t, int32(1), harness.GitHubMock.TokenRequests.Load())
}

func TestAPI_OrganizationFallsBackToFirstInstallation(t *testing.T) {
	harness := NewAPITestHarness(t)
	harness.GitHubMock.Installations = []*github.Installation{
		testhelpers.Installation(500, "first"),
		testhelpers.Installation(600, "second"),
	}
	token := harness.CallerToken("ci-runner")

	status, body := harness.Request(http.MethodPost, "/headers", token, `{"org":"unknown-org"}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var auth broker.Authentication
	require.NoError(t, json.Unmarshal(body, &auth))
	assert.Equal(t, broker.Tenant(500), auth.Scope)
}

func TestAPI_InstallFlow(t *testing.T) {
	harness := NewAPITestHarness(t)
	token := harness.CallerToken("operator")

	status, body := harness.Request(http.MethodGet, "/install/status", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"installed":false`)

	status, _ = harness.Request(http.MethodGet, "/install", "", "")
	assert.Equal(t, http.StatusFound, status)

	harness.GitHubMock.Installations = []*github.Installation{testhelpers.Installation(42, "test-org")}

	status, body = harness.Request(http.MethodGet, fmt.Sprintf("/install/callback?installation_id=%d&setup_action=install", 42), "", "")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"ready":true`)

	status, body = harness.Request(http.MethodGet, "/install/status", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"installed":true`)

	// the callback already obtained the token
	status, _ = harness.Request(http.MethodGet, "/headers/installations/42", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(1), harness.GitHubMock.TokenRequests.Load())
}
