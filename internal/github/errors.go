package github

import (
	"fmt"
	"net/http"
)

// ConfigurationError reports a missing or malformed signing configuration. It
// is fatal: retrying cannot succeed until the configuration changes.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github app configuration: %s: %v", e.Reason, e.Err)
	}
	return "github app configuration: " + e.Reason
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

func (e ConfigurationError) Status() (int, string) {
	return http.StatusInternalServerError, "credential broker is not configured"
}

// SigningError reports a failure of the cryptographic signing operation.
type SigningError struct {
	Err error
}

func (e SigningError) Error() string {
	return fmt.Sprintf("app assertion signing failed: %v", e.Err)
}

func (e SigningError) Unwrap() error {
	return e.Err
}

func (e SigningError) Status() (int, string) {
	return http.StatusInternalServerError, "app assertion signing failed"
}

// LookupFailedError reports a failed installation lookup. A lookup that
// legitimately finds nothing is not an error.
type LookupFailedError struct {
	Lookup string
	Err    error
}

func (e LookupFailedError) Error() string {
	return fmt.Sprintf("installation lookup %s failed: %v", e.Lookup, e.Err)
}

func (e LookupFailedError) Unwrap() error {
	return e.Err
}

func (e LookupFailedError) Status() (int, string) {
	return http.StatusBadGateway, "installation lookup failed"
}

// TokenExchangeFailedError reports a failure to obtain an installation token.
type TokenExchangeFailedError struct {
	InstallationID int64
	Err            error
}

func (e TokenExchangeFailedError) Error() string {
	return fmt.Sprintf("token exchange for installation %d failed: %v", e.InstallationID, e.Err)
}

func (e TokenExchangeFailedError) Unwrap() error {
	return e.Err
}

func (e TokenExchangeFailedError) Status() (int, string) {
	return http.StatusBadGateway, fmt.Sprintf("token exchange for installation %d failed", e.InstallationID)
}
