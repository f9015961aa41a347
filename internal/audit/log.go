package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the zerolog level audit entries are written at. It sits above
// every standard level so that audit records survive any log filtering.
const Level = zerolog.Level(20)

// RequestIDHeader correlates a request with its audit record.
const RequestIDHeader = "X-Request-ID"

// Entry is the audit record of one request. Handlers fill in what they learn
// while the request is served; the middleware writes it once the response is
// complete.
type Entry struct {
	// request
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string
	RequestID string

	// caller authorization
	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int64

	// issued credential
	Context        string
	Scope          string
	InstallationID int64
	ExpirySecs     int64

	// webhook delivery
	WebhookEvent    string
	WebhookDelivery string

	Error string
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	request := zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent)
	if e.RequestID != "" {
		request.Str("requestID", e.RequestID)
	}
	event.Dict("request", request)

	auth := zerolog.Dict().Bool("authorized", e.Authorized)
	if e.AuthSubject != "" {
		auth.Str("subject", e.AuthSubject)
	}
	if e.AuthIssuer != "" {
		auth.Str("issuer", e.AuthIssuer)
	}
	if len(e.AuthAudience) > 0 {
		auth.Strs("audience", e.AuthAudience)
	}
	if e.AuthExpirySecs > 0 {
		expiry(auth, e.AuthExpirySecs)
	}
	event.Dict("authorization", auth)

	credential := NewOptionalEvent(nil).
		Str("context", e.Context).
		Str("scope", e.Scope).
		Int64("installationID", e.InstallationID)
	if e.ExpirySecs > 0 {
		expiry(credential.Event(), e.ExpirySecs)
	}
	credential.Set(event, "credential")

	NewOptionalEvent(nil).
		Str("event", e.WebhookEvent).
		Str("delivery", e.WebhookDelivery).
		Set(event, "webhook")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

func expiry(event *zerolog.Event, secs int64) {
	exp := time.Unix(secs, 0).UTC()
	event.Time("expiry", exp)
	event.Dur("expiryRemaining", time.Until(exp).Round(time.Second))
}

// Begin captures the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.RequestID = r.Header.Get(RequestIDHeader)

	e.SourceIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	}
}

// End returns a function that writes the entry. It is intended to be
// deferred: a panic in progress is recorded in the entry and then resumed.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		p := recover()
		if p != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", p)
			e.Status = http.StatusInternalServerError
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if p != nil {
			panic(p)
		}
	}
}

type key struct{}

// Context returns the audit entry held by ctx, adding a new one when there is
// none. The returned context must be used for the remainder of the request.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(key{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, key{}, e), e
}

// Log returns the audit entry for ctx. Outside the middleware the entry is
// detached and never written.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request it serves. Requests
// without an X-Request-ID are assigned one, which is echoed on the response.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(RequestIDHeader) == "" {
				r.Header.Set(RequestIDHeader, uuid.NewString())
			}
			w.Header().Set(RequestIDHeader, r.Header.Get(RequestIDHeader))

			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			ctx = log.Ctx(ctx).With().Str("requestID", entry.RequestID).Logger().WithContext(ctx)

			recorder := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r.WithContext(ctx))

			entry.Status = recorder.status()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}
