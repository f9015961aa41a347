package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/octopulse/installation-broker/internal/audit"
	"github.com/octopulse/installation-broker/internal/broker"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/jwt"
	"github.com/octopulse/installation-broker/internal/observe"
	"github.com/octopulse/installation-broker/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, b CredentialBroker) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Webhook payloads are larger, up to GitHub's own cap.
	requestLimiter := maxRequestSize(20 << 10) // 20 KB
	webhookLimiter := maxRequestSize(25 << 20) // 25 MB

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	auditedRouteMiddleware := alice.New(requestLimiter, auditor)
	standardRouteMiddleware := alice.New(requestLimiter)

	// credential routes
	mux.Handle("POST /headers", authorizedRouteMiddleware.Then(handlePostHeaders(b)))
	mux.Handle("GET /headers/app", authorizedRouteMiddleware.Then(handleGetAppHeaders(b)))
	mux.Handle("GET /headers/installations/{installationID}", authorizedRouteMiddleware.Then(handleGetInstallationHeaders(b)))

	// diagnostics
	mux.Handle("GET /installations", authorizedRouteMiddleware.Then(handleListInstallations(b)))
	mux.Handle("GET /app", authorizedRouteMiddleware.Then(handleGetApp(b)))
	mux.Handle("GET /install/status", authorizedRouteMiddleware.Then(handleInstallStatus(b)))

	// browser-facing installation flow
	mux.Handle("GET /install", auditedRouteMiddleware.Then(handleInstallRedirect(b)))
	mux.Handle("GET /install/callback", auditedRouteMiddleware.Then(handleInstallCallback(b)))

	// GitHub deliveries authenticate with the webhook signature, not a JWT
	if cfg.Github.WebhookSecret == "" {
		log.Warn().Msg("webhook signature verification is disabled: GITHUB_WEBHOOK_SECRET is not set")
	}
	mux.Handle("POST /webhooks/github", alice.New(webhookLimiter, auditor).Then(handleGitHubWebhook(b, cfg.Github.WebhookSecret)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// a signing identity that cannot sign is fatal at startup
	b, err := broker.New(ctx, cfg, broker.WithTransport(http.DefaultTransport))
	if err != nil {
		return fmt.Errorf("broker configuration failed: %w", err)
	}

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, b)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	hooks := &server.ShutdownHooks{}
	hooks.AddClose("token cache", b)
	hooks.AddContext("telemetry", shutdownTelemetry)

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == audit.Level {
			return "audit"
		}
		return l.String()
	}

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
