package github_test

import (
	"strings"
	"testing"

	"github.com/octopulse/installation-broker/internal/github"
	"github.com/stretchr/testify/assert"
)

func TestRepoForURL(t *testing.T) {
	tests := []struct {
		url   string
		owner string
		repo  string
	}{
		{url: "https://github.com/acme/widgets", owner: "acme", repo: "widgets"},
		{url: "https://github.com/acme/widgets.git", owner: "acme", repo: "widgets"},
		{url: "git@github.com:acme/widgets.git", owner: "acme", repo: "widgets"},
		{url: "https://gitlab.com/acme/widgets", owner: "", repo: ""},
		{url: "https://github.com/acme", owner: "", repo: ""},
		{url: "https://github.com/acme/widgets/tree/main", owner: "", repo: ""},
		{url: "", owner: "", repo: ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo := github.RepoForURL(tt.url)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestRepoForPath(t *testing.T) {
	owner, repo := github.RepoForPath("/acme/widgets")
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	owner, repo = github.RepoForPath("acme/")
	assert.Empty(t, owner)
	assert.Empty(t, repo)
}

func TestValidLogin(t *testing.T) {
	for _, login := range []string{"a", "acme", "Acme-Corp", "octocat42", "jdoe_acme"} {
		assert.True(t, github.ValidLogin(login), login)
	}

	for _, login := range []string{"", "-acme", "acme-", "acme/widgets", "..", "acme.corp", "acme?x", "acme#x", "acme corp", strings.Repeat("a", 101)} {
		assert.False(t, github.ValidLogin(login), login)
	}
}

func TestValidRepoName(t *testing.T) {
	for _, name := range []string{"widgets", ".github", "widgets.go", "my_repo-2", "..."} {
		assert.True(t, github.ValidRepoName(name), name)
	}

	for _, name := range []string{"", ".", "..", "a/b", "widgets?x", "widgets#x", "wid gets", "%2e%2e", strings.Repeat("a", 101)} {
		assert.False(t, github.ValidRepoName(name), name)
	}
}
