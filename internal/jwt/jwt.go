package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/octopulse/installation-broker/internal/audit"
	"github.com/octopulse/installation-broker/internal/config"
)

// Middleware returns HTTP middleware that verifies the caller's JWT and
// enforces the validity claims. The retrieved claims are set on the request
// context and can be retrieved by calling jwt.ClaimsFromContext(ctx).
//
// When authorization is not configured the returned middleware passes every
// request through unchanged.
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled() {
		log.Warn().Msg("caller authorization is disabled: JWT_ISSUER_URL is not set")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	// allow for static configuration when testing
	jwksConfig := remoteJWKS
	if cfg.ConfigurationStatic != "" {
		jwksConfig = staticJWKS
	}

	issuerURL, keyFunc, err := jwksConfig(cfg)
	if err != nil {
		return nil, err
	}

	// the validator is used by the middleware to check the JWT signature and claims
	jwtValidator, err := validator.New(
		keyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{cfg.Audience},
		validator.WithAllowedClockSkew(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	// Auditing of the validation process uses a combination of the error handler
	// and the audit middleware. The first ensures that validation errors are marked in
	// the audit log, while the second ensures that the claims are logged when the
	// token is valid.
	options = append(options, jwtmiddleware.WithErrorHandler(auditErrorHandler()))

	middleware := jwtmiddleware.New(
		registeredClaimsValidator(keyIDExtractor(jwtValidator.ValidateToken)),
		options...,
	)

	return alice.New(middleware.CheckJWT, auditClaimsMiddleware()).Then, nil
}

// ContextWithClaims returns a new context.Context with the provided validated
// claims added to it. This is primarily for test usage.
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, jwtmiddleware.ContextKey{}, claims)
}

// ClaimsFromContext returns the validated claims from the context as set by the
// JWT middleware. This will return nil if the context data is not set.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, _ := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	return claims
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			claims := ClaimsFromContext(r.Context())

			if claims == nil {
				entry.Error = "JWT claims missing from context"
			} else {
				reg := claims.RegisteredClaims
				entry.Authorized = true
				entry.AuthSubject = reg.Subject
				entry.AuthIssuer = reg.Issuer
				entry.AuthAudience = reg.Audience
				entry.AuthExpirySecs = reg.Expiry

				trace.SpanFromContext(r.Context()).SetAttributes(
					attribute.String("caller.subject", reg.Subject),
				)
			}

			next.ServeHTTP(w, r)
		})
	}
}

func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		entry := audit.Log(r.Context())
		entry.Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		// The default error handler will write the appropriate response status
		// code. The status code is recorded centrally by the central audit
		// middleware.
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

type KeyFunc = func(ctx context.Context) (interface{}, error)

func remoteJWKS(cfg config.AuthorizationConfig) (*url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	return issuerURL, provider.KeyFunc, nil
}

// staticJWKS verifies against a key set supplied in configuration. Keys are
// selected by the token's key id; a token without one can only be verified
// when the set holds a single key.
func staticJWKS(cfg config.AuthorizationConfig) (*url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(cfg.ConfigurationStatic), &set); err != nil {
		return nil, nil, fmt.Errorf("could not decode jwks: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if !k.IsPublic() || !k.Valid() {
			continue
		}
		keys[k.KeyID] = k.Key
	}

	if len(keys) == 0 {
		return nil, nil, errors.New("could not decode jwks: no usable public keys")
	}

	keyFunc := func(ctx context.Context) (interface{}, error) {
		kid := keyIDFromContext(ctx)
		if key, ok := keys[kid]; ok {
			return key, nil
		}

		if kid == "" && len(keys) == 1 {
			for _, key := range keys {
				return key, nil
			}
		}

		return nil, fmt.Errorf("no key found for key id %q", kid)
	}

	return issuerURL, keyFunc, nil
}
