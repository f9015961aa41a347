package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/octopulse/installation-broker/internal/cache"

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		cacheOperations, err = meter.Int64Counter(
			"broker.cache.operations",
			metric.WithDescription("Credential cache operations by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"broker.cache.operation.duration",
			metric.WithDescription("Credential cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented records an operation count, a duration and span attributes for
// every call on the wrapped cache. Values and keys are never recorded.
type Instrumented[T any] struct {
	wrapped TokenCache[T]
	name    string
}

// NewInstrumented wraps cache, labelling its telemetry with name.
func NewInstrumented[T any](cache TokenCache[T], name string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped: cache,
		name:    name,
	}
}

func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var (
		value T
		found bool
	)

	err := i.observe(ctx, "get", func() (string, error) {
		var err error
		value, found, err = i.wrapped.Get(ctx, key)
		switch {
		case err != nil:
			return "error", err
		case found:
			return "hit", nil
		default:
			return "miss", nil
		}
	})

	return value, found, err
}

func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	return i.observe(ctx, "set", outcome(func() error {
		return i.wrapped.Set(ctx, key, value)
	}))
}

func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	return i.observe(ctx, "invalidate", outcome(func() error {
		return i.wrapped.Invalidate(ctx, key)
	}))
}

func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

// observe times op and records the status it reports.
func (i *Instrumented[T]) observe(ctx context.Context, operation string, op func() (string, error)) error {
	start := time.Now()
	status, err := op()
	duration := time.Since(start)

	attrs := []attribute.KeyValue{
		attribute.String("cache.name", i.name),
		attribute.String("cache.operation", operation),
	}

	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("cache.status", status))...))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)

	return err
}

func outcome(fn func() error) func() (string, error) {
	return func() (string, error) {
		if err := fn(); err != nil {
			return "error", err
		}
		return "success", nil
	}
}
