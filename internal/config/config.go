package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// MaxAssertionLifetime is the longest validity GitHub accepts for an App JWT.
const MaxAssertionLifetime = 10 * time.Minute

type Config struct {
	Authorization AuthorizationConfig
	Broker        BrokerConfig
	Github        GithubConfig
	Observe       ObserveConfig
	Server        ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// AuthorizationConfig controls bearer JWT checks for callers of the
// credential routes. Authorization is disabled when IssuerURL is empty.
type AuthorizationConfig struct {
	Audience            string `env:"JWT_AUDIENCE, default=installation-broker"`
	IssuerURL           string `env:"JWT_ISSUER_URL"`
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

// Enabled reports whether callers must present a JWT.
func (c AuthorizationConfig) Enabled() bool {
	return c.IssuerURL != ""
}

type GithubConfig struct {
	APIURL string `env:"GITHUB_API_URL"`

	PrivateKey    string `env:"GITHUB_APP_PRIVATE_KEY"`
	PrivateKeyARN string `env:"GITHUB_APP_PRIVATE_KEY_ARN"`

	// ApplicationID is the App id or client id; it is used verbatim as the JWT
	// issuer.
	ApplicationID string `env:"GITHUB_APP_ID, required"`
	AppSlug       string `env:"GITHUB_APP_SLUG"`

	WebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`

	// TokenPermissions optionally narrows every installation token, using
	// "aspect:action" pairs such as "contents:read".
	TokenPermissions []string `env:"GITHUB_APP_TOKEN_PERMISSIONS"`
}

// BrokerConfig holds the credential timing policy.
type BrokerConfig struct {
	AssertionLifetime     time.Duration `env:"BROKER_ASSERTION_LIFETIME, default=9m"`
	AssertionSafetyMargin time.Duration `env:"BROKER_ASSERTION_SAFETY_MARGIN, default=60s"`
	ClockSkew             time.Duration `env:"BROKER_CLOCK_SKEW, default=60s"`
	TokenSafetyMargin     time.Duration `env:"BROKER_TOKEN_SAFETY_MARGIN, default=60s"`
	TokenCacheSize        int           `env:"BROKER_TOKEN_CACHE_SIZE, default=10000"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=installation-broker"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Broker.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid broker configuration: %w", err)
	}

	err = cfg.Observe.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the timing policy can produce usable credentials.
func (c *BrokerConfig) Validate() error {
	if c.AssertionLifetime <= 0 || c.AssertionLifetime > MaxAssertionLifetime {
		return fmt.Errorf("BROKER_ASSERTION_LIFETIME must be between 0 and %s, got %s", MaxAssertionLifetime, c.AssertionLifetime)
	}

	if c.AssertionSafetyMargin < 0 || c.AssertionSafetyMargin >= c.AssertionLifetime {
		return fmt.Errorf("BROKER_ASSERTION_SAFETY_MARGIN must be shorter than the assertion lifetime, got %s", c.AssertionSafetyMargin)
	}

	if c.ClockSkew < 0 {
		return errors.New("BROKER_CLOCK_SKEW cannot be negative")
	}

	if c.TokenSafetyMargin < 0 {
		return errors.New("BROKER_TOKEN_SAFETY_MARGIN cannot be negative")
	}

	if c.TokenCacheSize <= 0 {
		return errors.New("BROKER_TOKEN_CACHE_SIZE must be positive")
	}

	return nil
}

// Validate checks the exporter selection.
func (c *ObserveConfig) Validate() error {
	switch c.Type {
	case "grpc", "stdout":
		return nil
	default:
		return fmt.Errorf("OBSERVE_TYPE must be \"grpc\" or \"stdout\", got %q", c.Type)
	}
}
