package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/go-github/v80/github"
	"github.com/octopulse/installation-broker/internal/audit"
	"github.com/octopulse/installation-broker/internal/broker"
	ghapp "github.com/octopulse/installation-broker/internal/github"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// CredentialBroker is the part of the broker served over HTTP.
type CredentialBroker interface {
	Authenticate(ctx context.Context, ac broker.AuthContext) (broker.Authentication, error)
	HeadersFor(ctx context.Context, scope broker.Scope) (broker.Authentication, error)
	Resolve(ctx context.Context, ac broker.AuthContext) (broker.Scope, error)
	ListTenants(ctx context.Context) ([]ghapp.TenantDescriptor, error)
	AppInfo(ctx context.Context) (ghapp.AppInfo, error)
	InstallURL() string
	InstallStatus(ctx context.Context) (broker.InstallStatus, error)
	Warm(ctx context.Context, installationID int64) error
	Forget(ctx context.Context, installationID int64) error
}

func handlePostHeaders(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var hints broker.Hints
		if err := json.NewDecoder(r.Body).Decode(&hints); err != nil && !errors.Is(err, io.EOF) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
				return
			}
			log.Info().Msgf("invalid request body: %v", err)
			writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}

		ac, err := hints.Context()
		if err != nil {
			writeError(w, r, err)
			return
		}

		auditContext(r.Context(), ac)

		auth, err := b.Authenticate(r.Context(), ac)
		if err != nil {
			if auth.Scope.Kind != "" {
				auditScope(r.Context(), auth)
			}
			writeError(w, r, err)
			return
		}

		auditScope(r.Context(), auth)
		writeJSON(w, http.StatusOK, auth)
	})
}

func handleGetAppHeaders(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		auditContext(r.Context(), broker.None{})

		auth, err := b.HeadersFor(r.Context(), broker.AppLevel())
		if err != nil {
			writeError(w, r, err)
			return
		}

		auditScope(r.Context(), auth)
		writeJSON(w, http.StatusOK, auth)
	})
}

func handleGetInstallationHeaders(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, err := broker.ParseInstallationID(r.PathValue("installationID"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		auditContext(r.Context(), id)

		auth, err := b.HeadersFor(r.Context(), broker.Tenant(int64(id)))
		if err != nil {
			writeError(w, r, err)
			return
		}

		auditScope(r.Context(), auth)
		writeJSON(w, http.StatusOK, auth)
	})
}

// installationsResponse is the diagnostic installation listing.
type installationsResponse struct {
	Count         int                      `json:"count"`
	Installations []ghapp.TenantDescriptor `json:"installations"`
}

func handleListInstallations(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		tenants, err := b.ListTenants(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		if tenants == nil {
			tenants = []ghapp.TenantDescriptor{}
		}

		writeJSON(w, http.StatusOK, installationsResponse{
			Count:         len(tenants),
			Installations: tenants,
		})
	})
}

func handleGetApp(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		app, err := b.AppInfo(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, app)
	})
}

func handleInstallRedirect(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		http.Redirect(w, r, b.InstallURL(), http.StatusFound)
	})
}

// installCallbackResponse acknowledges GitHub's post-installation redirect.
type installCallbackResponse struct {
	InstallationID int64  `json:"installation_id"`
	SetupAction    string `json:"setup_action"`
	Ready          bool   `json:"ready"`
}

// handleInstallCallback receives the user after they install the App. A
// completed installation has its first token obtained straight away, which
// both confirms the installation works and warms the cache.
func handleInstallCallback(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, err := broker.ParseInstallationID(r.URL.Query().Get("installation_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		setupAction := r.URL.Query().Get("setup_action")
		if setupAction == "" {
			setupAction = "install"
		}

		auditContext(r.Context(), id)

		response := installCallbackResponse{
			InstallationID: int64(id),
			SetupAction:    setupAction,
		}

		// "request" means an organization owner still has to approve
		if setupAction != "request" {
			if err := b.Warm(r.Context(), int64(id)); err != nil {
				writeError(w, r, err)
				return
			}
			response.Ready = true
		}

		writeJSON(w, http.StatusOK, response)
	})
}

func handleInstallStatus(b CredentialBroker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		status, err := b.InstallStatus(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		if status.Installations == nil {
			status.Installations = []ghapp.TenantDescriptor{}
		}

		writeJSON(w, http.StatusOK, status)
	})
}

// webhookResponse reports how a delivery was handled. It never carries
// credentials.
type webhookResponse struct {
	Event  string `json:"event"`
	Scope  string `json:"scope"`
	Warmed bool   `json:"warmed"`
}

// handleGitHubWebhook accepts App webhook deliveries. When a secret is
// configured the payload signature must match. Deliveries for an
// installation warm that installation's token; deliveries that remove or
// suspend an installation drop its cached token instead.
func handleGitHubWebhook(b CredentialBroker, secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		eventType := github.WebHookType(r)
		entry.WebhookEvent = eventType
		entry.WebhookDelivery = github.DeliveryID(r)

		payload, err := github.ValidatePayload(r, []byte(secret))
		if err != nil {
			entry.Error = "webhook validation failed: " + err.Error()
			writeJSONError(w, http.StatusUnauthorized, "webhook signature validation failed")
			return
		}

		envelope := broker.WebhookEnvelope{Payload: payload}
		auditContext(r.Context(), envelope)

		response := webhookResponse{Event: eventType}

		if id, ok := envelope.InstallationID(); ok && installationRemoved(eventType, payload) {
			if err := b.Forget(r.Context(), id); err != nil {
				log.Ctx(r.Context()).Warn().Err(err).Int64("installationID", id).Msg("could not drop cached token")
			}
			response.Scope = broker.Tenant(id).String()
			writeJSON(w, http.StatusAccepted, response)
			return
		}

		scope, err := b.Resolve(r.Context(), envelope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Scope = scope.String()

		if !scope.IsAppLevel() {
			if err := b.Warm(r.Context(), scope.InstallationID); err != nil {
				// the delivery itself was fine; GitHub should not redeliver
				log.Ctx(r.Context()).Warn().Err(err).Int64("installationID", scope.InstallationID).Msg("token warm-up failed")
				entry.Error = err.Error()
			} else {
				response.Warmed = true
			}
		}

		writeJSON(w, http.StatusAccepted, response)
	})
}

// installationRemoved reports whether the delivery deletes or suspends the
// installation it belongs to.
func installationRemoved(eventType string, payload []byte) bool {
	if eventType != "installation" {
		return false
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return false
	}

	installation, ok := event.(*github.InstallationEvent)
	if !ok {
		return false
	}

	switch installation.GetAction() {
	case "deleted", "suspend":
		return true
	default:
		return false
	}
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

func auditContext(ctx context.Context, ac broker.AuthContext) {
	audit.Log(ctx).Context = ac.Kind()
}

func auditScope(ctx context.Context, auth broker.Authentication) {
	entry := audit.Log(ctx)
	entry.Scope = auth.Scope.String()
	entry.InstallationID = auth.Scope.InstallationID
	if !auth.ExpiresAt.IsZero() {
		entry.ExpirySecs = auth.ExpiresAt.Unix()
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError records err in the audit log and responds with the status the
// error carries.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)

	audit.Log(r.Context()).Error = err.Error()
	log.Ctx(r.Context()).Info().Err(err).Int("status", status).Msg("request failed")

	writeJSONError(w, status, message)
}

// writeJSON writes body as JSON with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
