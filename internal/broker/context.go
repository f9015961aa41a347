package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	api "github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/github"
)

// AuthContext is what a caller knows about the request it wants credentials
// for. Exactly one variant describes a call; Hints narrows a loose inbound
// shape to one of them.
type AuthContext interface {
	// Kind names the variant for logs and telemetry.
	Kind() string

	authContext()
}

// InstallationID names the installation explicitly.
type InstallationID int64

// WebhookEnvelope carries a raw GitHub webhook payload.
type WebhookEnvelope struct {
	Payload json.RawMessage
}

// RepositoryRef identifies a repository by owner and name.
type RepositoryRef struct {
	Owner string
	Name  string
}

// Validate rejects owners and names GitHub would never issue.
func (r RepositoryRef) Validate() error {
	if !github.ValidLogin(r.Owner) {
		return InvalidHintError{Field: "owner", Value: r.Owner}
	}
	if !github.ValidRepoName(r.Name) {
		return InvalidHintError{Field: "repo", Value: r.Name}
	}
	return nil
}

// OrganizationRef identifies an organization by login.
type OrganizationRef struct {
	Name string
}

func (o OrganizationRef) Validate() error {
	if !github.ValidLogin(o.Name) {
		return InvalidHintError{Field: "org", Value: o.Name}
	}
	return nil
}

// UserOrSearchHint carries a user login or a search query that is not tied to
// any installation.
type UserOrSearchHint struct {
	Value string
}

// None means the caller knows nothing about the tenant.
type None struct{}

func (InstallationID) Kind() string   { return "installation_id" }
func (WebhookEnvelope) Kind() string  { return "webhook" }
func (RepositoryRef) Kind() string    { return "repository" }
func (OrganizationRef) Kind() string  { return "organization" }
func (UserOrSearchHint) Kind() string { return "user_or_search" }
func (None) Kind() string             { return "none" }

func (InstallationID) authContext()   {}
func (WebhookEnvelope) authContext()  {}
func (RepositoryRef) authContext()    {}
func (OrganizationRef) authContext()  {}
func (UserOrSearchHint) authContext() {}
func (None) authContext()             {}

// InstallationID extracts installation.id from the payload. Payloads without
// one (or that cannot be decoded) report false.
func (w WebhookEnvelope) InstallationID() (int64, bool) {
	if len(w.Payload) == 0 {
		return 0, false
	}

	var envelope struct {
		Installation *api.Installation `json:"installation"`
	}
	if err := json.Unmarshal(w.Payload, &envelope); err != nil {
		return 0, false
	}

	id := envelope.Installation.GetID()
	return id, id != 0
}

// Hints is the loosely typed context accepted on the HTTP surface and the
// CLI. Several fields may be set at once.
type Hints struct {
	InstallationID string          `json:"installation_id,omitempty"`
	WebhookPayload json.RawMessage `json:"webhook_payload,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	Repo           string          `json:"repo,omitempty"`
	RepositoryURL  string          `json:"repository_url,omitempty"`
	Organization   string          `json:"org,omitempty"`
	Username       string          `json:"username,omitempty"`
	SearchQuery    string          `json:"search_query,omitempty"`
}

// Context narrows the hints to a single AuthContext. Explicit identifiers win
// over anything that needs a lookup:
//
//  1. installation id
//  2. webhook payload carrying installation.id
//  3. owner and repo (or a repository URL)
//  4. organization
//  5. username or search query
//
// With none of these the result is None.
func (h Hints) Context() (AuthContext, error) {
	if id := strings.TrimSpace(h.InstallationID); id != "" {
		parsed, err := ParseInstallationID(id)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	}

	if len(h.WebhookPayload) > 0 {
		envelope := WebhookEnvelope{Payload: h.WebhookPayload}
		if _, ok := envelope.InstallationID(); ok {
			return envelope, nil
		}
	}

	if h.Owner != "" && h.Repo != "" {
		ref := RepositoryRef{Owner: h.Owner, Name: h.Repo}
		if err := ref.Validate(); err != nil {
			return nil, err
		}
		return ref, nil
	}

	if h.RepositoryURL != "" {
		if owner, repo := github.RepoForURL(h.RepositoryURL); owner != "" {
			ref := RepositoryRef{Owner: owner, Name: repo}
			if ref.Validate() != nil {
				return nil, InvalidHintError{Field: "repository_url", Value: h.RepositoryURL}
			}
			return ref, nil
		}
	}

	if h.Organization != "" {
		ref := OrganizationRef{Name: h.Organization}
		if err := ref.Validate(); err != nil {
			return nil, err
		}
		return ref, nil
	}

	if h.Username != "" {
		return UserOrSearchHint{Value: h.Username}, nil
	}

	if h.SearchQuery != "" {
		return UserOrSearchHint{Value: h.SearchQuery}, nil
	}

	return None{}, nil
}

// ParseInstallationID parses the decimal installation id used in paths and
// hints.
func ParseInstallationID(s string) (InstallationID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, InvalidHintError{Field: "installation_id", Value: s}
	}

	return InstallationID(id), nil
}

// InvalidHintError reports a malformed caller-supplied hint.
type InvalidHintError struct {
	Field string
	Value string
}

func (e InvalidHintError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

func (e InvalidHintError) Status() (int, string) {
	return http.StatusBadRequest, e.Error()
}
