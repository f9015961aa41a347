package github

import (
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ScopesToPermissions converts "aspect:action" scopes (for example
// "contents:read") into the permission set requested with each installation
// token. Malformed or unknown scopes are skipped with a warning; a list that
// yields nothing usable is an error. An empty list returns nil permissions,
// which requests the installation's full grant.
func ScopesToPermissions(scopes []string) (*github.InstallationPermissions, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	validScopes := 0
	validPermissionActions := []string{"read", "write"}

	permissions := &github.InstallationPermissions{}
	permissionsValue := reflect.ValueOf(permissions).Elem()

	for _, scope := range scopes {
		aspect, action, ok := strings.Cut(strings.TrimSpace(scope), ":")
		if !ok || strings.Contains(action, ":") {
			log.Warn().
				Str("scope", scope).
				Msg("malformed scope detected, skipping permission")
			continue
		}

		// struct fields are the Pascal case form of the snake case aspect
		field := permissionsValue.FieldByName(snakeToPascalCase(aspect))
		if !field.IsValid() || field.Type() != reflect.TypeFor[*string]() {
			log.Warn().
				Str("aspect", aspect).
				Msg("invalid permission aspect detected, skipping permission")
			continue
		}

		if !slices.Contains(validPermissionActions, action) {
			log.Warn().
				Str("permission", action).
				Msg("invalid permission action detected, skipping permission")
			continue
		}

		field.Set(reflect.ValueOf(github.Ptr(action)))
		validScopes++
	}

	if validScopes == 0 {
		return nil, errors.New("no valid permissions found")
	}

	return permissions, nil
}

func snakeToPascalCase(input string) string {
	c := cases.Title(language.English)

	var result strings.Builder
	for part := range strings.SplitSeq(input, "_") {
		result.WriteString(c.String(part))
	}

	return result.String()
}
