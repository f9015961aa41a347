package github_test

import (
	"testing"

	"github.com/octopulse/installation-broker/internal/github"
	"github.com/stretchr/testify/assert"

	api "github.com/google/go-github/v80/github"
)

func TestScopesToPermissions_Succeed(t *testing.T) {
	scopes := []string{
		"contents:read",
		"packages:write",
	}
	expectedPermissions := &api.InstallationPermissions{
		Contents: api.Ptr("read"),
		Packages: api.Ptr("write"),
	}

	actualPermissions, err := github.ScopesToPermissions(scopes)
	assert.Equal(t, expectedPermissions, actualPermissions)
	assert.NoError(t, err)
}

func TestScopesToPermissions_EmptyRequestsFullGrant(t *testing.T) {
	actualPermissions, err := github.ScopesToPermissions(nil)

	assert.NoError(t, err)
	assert.Nil(t, actualPermissions)
}

func TestScopesToPermissions_Fail_On_Invalid_Permissions(t *testing.T) {
	scopes := []string{
		"nonsense",
		"contents:",
		"invalid:read",
		"contents:invalid",
		"contents:read:extra",
	}

	actualPermissions, err := github.ScopesToPermissions(scopes)
	assert.Nil(t, actualPermissions)
	assert.ErrorContains(t, err, "no valid permissions found")
}

func TestScopesToPermissions_Succeed_If_Some_Valid(t *testing.T) {
	scopes := []string{
		"blah",
		" pull_requests:write",
		"invalid:read",
		"actions:admin",
	}
	expectedPermissions := &api.InstallationPermissions{
		PullRequests: api.Ptr("write"),
	}

	actualPermissions, err := github.ScopesToPermissions(scopes)
	assert.Equal(t, expectedPermissions, actualPermissions)
	assert.NoError(t, err)
}
