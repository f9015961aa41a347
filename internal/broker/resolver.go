package broker

import (
	"context"
	"sync"

	"github.com/octopulse/installation-broker/internal/github"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Directory finds the installations covering a scope. A nil descriptor with
// a nil error means nothing covers it.
type Directory interface {
	AllTenants(ctx context.Context) ([]github.TenantDescriptor, error)
	TenantForRepository(ctx context.Context, owner, name string) (*github.TenantDescriptor, error)
	TenantForOrganization(ctx context.Context, org string) (*github.TenantDescriptor, error)
}

var (
	resolverMetricsOnce sync.Once
	resolutions         metric.Int64Counter
)

func initResolverMetrics() {
	resolverMetricsOnce.Do(func() {
		var err error
		resolutions, err = otel.Meter("github.com/octopulse/installation-broker/internal/broker").Int64Counter(
			"broker.resolutions",
			metric.WithDescription("Context resolutions by context kind, outcome and fallback"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Resolver maps an AuthContext to a Scope. The order of the checks is a
// contract: explicit identifiers never trigger a lookup, and app-level is the
// terminal fallback.
type Resolver struct {
	directory Directory
}

func NewResolver(directory Directory) Resolver {
	initResolverMetrics()
	return Resolver{directory: directory}
}

// Resolve returns the scope for ac. Lookups that find nothing fall back as
// described on each variant; lookups that fail return their error.
func (r Resolver) Resolve(ctx context.Context, ac AuthContext) (Scope, error) {
	if ac == nil {
		ac = None{}
	}

	scope, via, err := r.resolve(ctx, ac)
	if err != nil {
		r.record(ctx, ac, "error", via)
		return Scope{}, err
	}

	r.record(ctx, ac, string(scope.Kind), via)

	log.Ctx(ctx).Debug().
		Str("context", ac.Kind()).
		Str("scope", scope.String()).
		Str("via", via).
		Msg("resolved authentication scope")

	return scope, nil
}

// resolve also reports how the scope was reached, for telemetry.
func (r Resolver) resolve(ctx context.Context, ac AuthContext) (Scope, string, error) {
	switch c := ac.(type) {
	case InstallationID:
		return Tenant(int64(c)), "explicit", nil

	case WebhookEnvelope:
		if id, ok := c.InstallationID(); ok {
			return Tenant(id), "webhook", nil
		}
		return AppLevel(), "fallback", nil

	case RepositoryRef:
		if err := c.Validate(); err != nil {
			return Scope{}, "repository", err
		}
		tenant, err := r.directory.TenantForRepository(ctx, c.Owner, c.Name)
		if err != nil {
			return Scope{}, "repository", err
		}
		if tenant != nil {
			return Tenant(tenant.ID), "repository", nil
		}
		return AppLevel(), "fallback", nil

	case OrganizationRef:
		if err := c.Validate(); err != nil {
			return Scope{}, "organization", err
		}
		tenant, err := r.directory.TenantForOrganization(ctx, c.Name)
		if err != nil {
			return Scope{}, "organization", err
		}
		if tenant != nil {
			return Tenant(tenant.ID), "organization", nil
		}
		return r.firstTenant(ctx)

	case UserOrSearchHint:
		return r.firstTenant(ctx)

	default:
		return AppLevel(), "default", nil
	}
}

// firstTenant picks the first enumerated installation, or app-level when
// there are none.
func (r Resolver) firstTenant(ctx context.Context) (Scope, string, error) {
	tenants, err := r.directory.AllTenants(ctx)
	if err != nil {
		return Scope{}, "first_enumerated", err
	}

	if len(tenants) == 0 {
		return AppLevel(), "fallback", nil
	}

	return Tenant(tenants[0].ID), "first_enumerated", nil
}

func (r Resolver) record(ctx context.Context, ac AuthContext, outcome, via string) {
	attrs := []attribute.KeyValue{
		attribute.String("broker.context", ac.Kind()),
		attribute.String("broker.scope", outcome),
		attribute.String("broker.via", via),
	}

	if resolutions != nil {
		resolutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
