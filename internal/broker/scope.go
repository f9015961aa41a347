package broker

import (
	"strconv"
)

type ScopeKind string

const (
	ScopeAppLevel     ScopeKind = "app"
	ScopeInstallation ScopeKind = "installation"
)

// Scope is the authentication scope a request is served with: the App
// itself, or one installation of it.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	InstallationID int64     `json:"installation_id,omitempty"`
}

func AppLevel() Scope {
	return Scope{Kind: ScopeAppLevel}
}

func Tenant(installationID int64) Scope {
	return Scope{Kind: ScopeInstallation, InstallationID: installationID}
}

func (s Scope) IsAppLevel() bool {
	return s.Kind != ScopeInstallation
}

func (s Scope) String() string {
	if s.IsAppLevel() {
		return string(ScopeAppLevel)
	}
	return string(ScopeInstallation) + ":" + strconv.FormatInt(s.InstallationID, 10)
}
