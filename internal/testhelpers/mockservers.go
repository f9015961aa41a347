package testhelpers

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v80/github"
)

// MockGitHubServer is a configurable stand-in for the GitHub App API. Set the
// exported fields before issuing requests; counters may be read at any time.
type MockGitHubServer struct {
	Server *httptest.Server

	// Installations are returned by GET /app/installations, in order.
	Installations []*github.Installation
	// RepositoryInstallations maps "owner/repo" to an installation id.
	RepositoryInstallations map[string]int64
	// OrganizationInstallations maps an organization login to an installation id.
	OrganizationInstallations map[string]int64

	Token       string        // token returned from access_tokens
	TokenExpiry time.Time     // expiry returned from access_tokens
	TokenStatus int           // non-200 fails access_tokens
	TokenDelay  time.Duration // delay before access_tokens responds
	// LookupStatus, when set, fails every installation lookup with this status.
	LookupStatus int

	AppSlug string
	AppID   int64

	// VerifyKey, when set, requires every App-authenticated request to carry
	// a Bearer JWT signed by the matching private key.
	VerifyKey *rsa.PublicKey

	TokenRequests  atomic.Int32
	ListRequests   atomic.Int32
	RepoLookups    atomic.Int32
	OrgLookups     atomic.Int32
	AppRequests    atomic.Int32
	mu             sync.Mutex
	authorizations []string
	permissions    []*github.InstallationPermissions
}

// SetupMockGitHubServer starts a mock GitHub API server that is closed when
// the test ends.
func SetupMockGitHubServer(t *testing.T) *MockGitHubServer {
	t.Helper()

	mock := &MockGitHubServer{
		Token:                     "ghs_test-installation-token",
		TokenExpiry:               time.Now().Add(1 * time.Hour),
		TokenStatus:               http.StatusOK,
		AppSlug:                   "test-app",
		AppID:                     1234,
		RepositoryInstallations:   map[string]int64{},
		OrganizationInstallations: map[string]int64{},
	}

	router := http.NewServeMux()

	router.HandleFunc("GET /app", mock.appAuthenticated(func(w http.ResponseWriter, r *http.Request) {
		mock.AppRequests.Add(1)

		WriteJSON(w, &github.App{
			ID:                 github.Ptr(mock.AppID),
			Slug:               github.Ptr(mock.AppSlug),
			Name:               github.Ptr("Test App"),
			HTMLURL:            github.Ptr("https://github.com/apps/" + mock.AppSlug),
			Owner:              &github.User{Login: github.Ptr("test-owner")},
			InstallationsCount: github.Ptr(len(mock.Installations)),
		})
	}))

	router.HandleFunc("GET /app/installations", mock.appAuthenticated(func(w http.ResponseWriter, r *http.Request) {
		mock.ListRequests.Add(1)

		if mock.LookupStatus != 0 {
			w.WriteHeader(mock.LookupStatus)
			return
		}

		installations := mock.Installations
		if installations == nil {
			installations = []*github.Installation{}
		}
		WriteJSON(w, installations)
	}))

	router.HandleFunc("GET /repos/{owner}/{repo}/installation", mock.appAuthenticated(func(w http.ResponseWriter, r *http.Request) {
		mock.RepoLookups.Add(1)

		if mock.LookupStatus != 0 {
			w.WriteHeader(mock.LookupStatus)
			return
		}

		id, ok := mock.RepositoryInstallations[r.PathValue("owner")+"/"+r.PathValue("repo")]
		if !ok {
			notFound(w)
			return
		}
		WriteJSON(w, Installation(id, r.PathValue("owner")))
	}))

	router.HandleFunc("GET /orgs/{org}/installation", mock.appAuthenticated(func(w http.ResponseWriter, r *http.Request) {
		mock.OrgLookups.Add(1)

		if mock.LookupStatus != 0 {
			w.WriteHeader(mock.LookupStatus)
			return
		}

		id, ok := mock.OrganizationInstallations[r.PathValue("org")]
		if !ok {
			notFound(w)
			return
		}
		WriteJSON(w, Installation(id, r.PathValue("org")))
	}))

	router.HandleFunc("POST /app/installations/{installationID}/access_tokens", mock.appAuthenticated(func(w http.ResponseWriter, r *http.Request) {
		mock.TokenRequests.Add(1)

		var opts github.InstallationTokenOptions
		if r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&opts)
		}
		mock.mu.Lock()
		mock.permissions = append(mock.permissions, opts.Permissions)
		mock.mu.Unlock()

		if mock.TokenDelay > 0 {
			select {
			case <-time.After(mock.TokenDelay):
			case <-r.Context().Done():
				return
			}
		}

		if mock.TokenStatus != http.StatusOK {
			w.WriteHeader(mock.TokenStatus)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		WriteJSON(w, &github.InstallationToken{
			Token:     github.Ptr(mock.Token),
			ExpiresAt: &github.Timestamp{Time: mock.TokenExpiry},
		})
	}))

	router.HandleFunc("GET /installation/repositories", func(w http.ResponseWriter, r *http.Request) {
		mock.recordAuthorization(r)

		if r.Header.Get("Authorization") != "Bearer "+mock.Token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		WriteJSON(w, &github.ListRepositories{
			TotalCount: github.Ptr(1),
			Repositories: []*github.Repository{
				{FullName: github.Ptr("test-org/test-repo")},
			},
		})
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Close)

	return mock
}

// Installation builds an installation resource owned by account.
func Installation(id int64, account string) *github.Installation {
	return &github.Installation{
		ID:                  github.Ptr(id),
		AppSlug:             github.Ptr("test-app"),
		TargetType:          github.Ptr("Organization"),
		RepositorySelection: github.Ptr("all"),
		HTMLURL:             github.Ptr(fmt.Sprintf("https://github.com/organizations/%s/settings/installations/%d", account, id)),
		Account: &github.User{
			Login: github.Ptr(account),
			Type:  github.Ptr("Organization"),
		},
	}
}

// Close shuts down the mock server.
func (m *MockGitHubServer) Close() {
	m.Server.Close()
}

// Authorizations returns the Authorization headers received, in order.
func (m *MockGitHubServer) Authorizations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.authorizations...)
}

// RequestedPermissions returns the permissions sent with each token request.
func (m *MockGitHubServer) RequestedPermissions() []*github.InstallationPermissions {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*github.InstallationPermissions(nil), m.permissions...)
}

func (m *MockGitHubServer) recordAuthorization(r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.authorizations = append(m.authorizations, r.Header.Get("Authorization"))
}

// appAuthenticated rejects requests that do not carry an App JWT.
func (m *MockGitHubServer) appAuthenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.recordAuthorization(r)

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if m.VerifyKey != nil {
			_, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
				return m.VerifyKey, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"Not Found","documentation_url":"https://docs.github.com/rest"}`))
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	_, _ = w.Write(data)
}
