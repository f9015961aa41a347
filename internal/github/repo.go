package github

import (
	"regexp"
	"strings"
)

var (
	loginPattern    = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9_-]{0,98}[A-Za-z0-9_])?$`)
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
)

// ValidLogin reports whether s could be a GitHub user or organization login.
// Logins are interpolated into API paths, so anything else is refused before
// a request is built.
func ValidLogin(s string) bool {
	return loginPattern.MatchString(s)
}

// ValidRepoName reports whether s could be a GitHub repository name.
func ValidRepoName(s string) bool {
	return s != "." && s != ".." && repoNamePattern.MatchString(s)
}

// RepoForURL extracts owner and repository name from a github.com clone or
// browse URL. Anything else yields empty strings.
func RepoForURL(u string) (string, string) {
	rest, ok := strings.CutPrefix(u, "https://github.com/")
	if !ok {
		rest, ok = strings.CutPrefix(u, "git@github.com:")
	}
	if !ok {
		return "", ""
	}

	return RepoForPath(rest)
}

// RepoForPath splits an "owner/repo" path, tolerating a leading slash and a
// trailing ".git".
func RepoForPath(path string) (string, string) {
	path, _ = strings.CutSuffix(path, ".git")
	qualified, _ := strings.CutPrefix(path, "/")
	owner, repo, ok := strings.Cut(qualified, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", ""
	}

	return owner, repo
}
