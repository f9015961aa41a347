package github

import (
	"context"
	"time"

	"github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
)

// TenantDescriptor is the subset of a GitHub App installation that the broker
// and its diagnostic surfaces care about.
type TenantDescriptor struct {
	ID                  int64      `json:"id" yaml:"id"`
	Account             string     `json:"account" yaml:"account"`
	AccountType         string     `json:"account_type" yaml:"account_type"`
	TargetType          string     `json:"target_type" yaml:"target_type"`
	RepositorySelection string     `json:"repository_selection" yaml:"repository_selection"`
	AppSlug             string     `json:"app_slug,omitempty" yaml:"app_slug,omitempty"`
	HTMLURL             string     `json:"html_url,omitempty" yaml:"html_url,omitempty"`
	SuspendedAt         *time.Time `json:"suspended_at,omitempty" yaml:"suspended_at,omitempty"`
}

func newTenantDescriptor(inst *github.Installation) TenantDescriptor {
	d := TenantDescriptor{
		ID:                  inst.GetID(),
		Account:             inst.GetAccount().GetLogin(),
		AccountType:         inst.GetAccount().GetType(),
		TargetType:          inst.GetTargetType(),
		RepositorySelection: inst.GetRepositorySelection(),
		AppSlug:             inst.GetAppSlug(),
		HTMLURL:             inst.GetHTMLURL(),
	}

	if inst.SuspendedAt != nil {
		suspended := inst.GetSuspendedAt().Time
		d.SuspendedAt = &suspended
	}

	return d
}

// installationPageSize is GitHub's maximum page size; the directory issues a
// single request per lookup.
const installationPageSize = 100

// Directory resolves tenant hints to installations using App-level
// authentication. Each lookup performs exactly one request and is never
// retried here.
type Directory struct {
	client Client
}

func NewDirectory(client Client) Directory {
	return Directory{client: client}
}

// AllTenants enumerates the installations of the App in the order GitHub
// returns them.
func (d Directory) AllTenants(ctx context.Context) ([]TenantDescriptor, error) {
	installations, _, err := d.client.client.Apps.ListInstallations(ctx, &github.ListOptions{
		PerPage: installationPageSize,
	})
	if err != nil {
		return nil, classifyLookupError("all installations", err)
	}

	tenants := make([]TenantDescriptor, 0, len(installations))
	for _, inst := range installations {
		tenants = append(tenants, newTenantDescriptor(inst))
	}

	return tenants, nil
}

// TenantForRepository finds the installation covering owner/name. A nil
// descriptor without error means the App is not installed there.
func (d Directory) TenantForRepository(ctx context.Context, owner, name string) (*TenantDescriptor, error) {
	if !ValidLogin(owner) || !ValidRepoName(name) {
		return nil, nil
	}

	inst, _, err := d.client.client.Apps.FindRepositoryInstallation(ctx, owner, name)
	if err != nil {
		if isNotFound(err) {
			log.Debug().Str("owner", owner).Str("repo", name).Msg("no installation for repository")
			return nil, nil
		}
		return nil, classifyLookupError("repository "+owner+"/"+name, err)
	}

	tenant := newTenantDescriptor(inst)
	return &tenant, nil
}

// TenantForOrganization finds the installation on org. A nil descriptor
// without error means the App is not installed there.
func (d Directory) TenantForOrganization(ctx context.Context, org string) (*TenantDescriptor, error) {
	if !ValidLogin(org) {
		return nil, nil
	}

	inst, _, err := d.client.client.Apps.FindOrganizationInstallation(ctx, org)
	if err != nil {
		if isNotFound(err) {
			log.Debug().Str("organization", org).Msg("no installation for organization")
			return nil, nil
		}
		return nil, classifyLookupError("organization "+org, err)
	}

	tenant := newTenantDescriptor(inst)
	return &tenant, nil
}
