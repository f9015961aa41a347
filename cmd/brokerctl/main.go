// brokerctl drives the credential broker from a terminal, using the same
// environment configuration as the server. It is intended for checking an App
// setup locally: listing installations, resolving hints and minting headers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/go-github/v80/github"
	"github.com/joho/godotenv"
	"github.com/octopulse/installation-broker/internal/broker"
	"github.com/octopulse/installation-broker/internal/config"
	ghapp "github.com/octopulse/installation-broker/internal/github"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type CLI struct {
	Installations InstallationsCmd `cmd:"" help:"List the installations of the App."`
	App           AppCmd           `cmd:"" help:"Show the App as GitHub sees it."`
	InstallURL    InstallURLCmd    `cmd:"" name:"install-url" help:"Print the URL that installs the App."`
	Resolve       ResolveCmd       `cmd:"" help:"Resolve hints to an authentication scope."`
	Headers       HeadersCmd       `cmd:"" help:"Resolve hints and print the headers to call GitHub with."`
	Repos         ReposCmd         `cmd:"" help:"List the repositories an installation can access."`
}

// HintFlags mirror the fields accepted by POST /headers.
type HintFlags struct {
	InstallationID string `name:"installation-id" help:"Installation id."`
	Webhook        []byte `type:"filecontent" help:"File holding a webhook payload."`
	Owner          string `help:"Repository owner."`
	Repo           string `help:"Repository name."`
	RepositoryURL  string `name:"repository-url" help:"Repository URL."`
	Org            string `help:"Organization login."`
	Username       string `help:"User login."`
	SearchQuery    string `name:"search-query" help:"Search query."`
}

func (f HintFlags) Context() (broker.AuthContext, error) {
	hints := broker.Hints{
		InstallationID: f.InstallationID,
		Owner:          f.Owner,
		Repo:           f.Repo,
		RepositoryURL:  f.RepositoryURL,
		Organization:   f.Org,
		Username:       f.Username,
		SearchQuery:    f.SearchQuery,
	}
	if len(f.Webhook) > 0 {
		hints.WebhookPayload = json.RawMessage(f.Webhook)
	}

	return hints.Context()
}

type InstallationsCmd struct{}

func (c *InstallationsCmd) Run(ctx context.Context, b *broker.Broker, out io.Writer) error {
	tenants, err := b.ListTenants(ctx)
	if err != nil {
		return err
	}

	if tenants == nil {
		tenants = []ghapp.TenantDescriptor{}
	}

	return printYAML(out, tenants)
}

type AppCmd struct{}

func (c *AppCmd) Run(ctx context.Context, b *broker.Broker, out io.Writer) error {
	app, err := b.AppInfo(ctx)
	if err != nil {
		return err
	}

	return printYAML(out, app)
}

type InstallURLCmd struct{}

func (c *InstallURLCmd) Run(b *broker.Broker, out io.Writer) error {
	_, err := fmt.Fprintln(out, b.InstallURL())
	return err
}

type ResolveCmd struct {
	HintFlags `embed:""`
}

func (c *ResolveCmd) Run(ctx context.Context, b *broker.Broker, out io.Writer) error {
	ac, err := c.Context()
	if err != nil {
		return err
	}

	scope, err := b.Resolve(ctx, ac)
	if err != nil {
		return err
	}

	return printYAML(out, resolution{Context: ac.Kind(), Scope: scope.String()})
}

type resolution struct {
	Context string `yaml:"context"`
	Scope   string `yaml:"scope"`
}

type HeadersCmd struct {
	HintFlags `embed:""`
}

func (c *HeadersCmd) Run(ctx context.Context, b *broker.Broker, out io.Writer) error {
	ac, err := c.Context()
	if err != nil {
		return err
	}

	auth, err := b.Authenticate(ctx, ac)
	if err != nil {
		return err
	}

	return printYAML(out, authentication{
		Scope:     auth.Scope.String(),
		ExpiresAt: auth.ExpiresAt,
		Headers:   auth.Headers,
	})
}

type authentication struct {
	Scope     string            `yaml:"scope"`
	ExpiresAt time.Time         `yaml:"expires_at,omitempty"`
	Headers   map[string]string `yaml:"headers"`
}

type ReposCmd struct {
	HintFlags `embed:""`
}

func (c *ReposCmd) Run(ctx context.Context, cfg config.Config, b *broker.Broker, out io.Writer) error {
	ac, err := c.Context()
	if err != nil {
		return err
	}

	scope, err := b.Resolve(ctx, ac)
	if err != nil {
		return err
	}

	if scope.IsAppLevel() {
		return errors.New("hints did not resolve to an installation")
	}

	client, err := ghapp.NewInstallationClient(cfg.Github, b.HTTPClient(ctx, scope.InstallationID))
	if err != nil {
		return err
	}

	var names []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		repos, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return fmt.Errorf("listing repositories for %s: %w", scope, err)
		}

		for _, repo := range repos.Repositories {
			names = append(names, repo.GetFullName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if names == nil {
		names = []string{}
	}

	return printYAML(out, names)
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}

// connector builds the broker once the command line has been parsed.
type connector func(ctx context.Context) (config.Config, *broker.Broker, error)

func connect(ctx context.Context) (config.Config, *broker.Broker, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return cfg, nil, fmt.Errorf("configuration load failed: %w", err)
	}

	b, err := broker.New(ctx, cfg)
	if err != nil {
		return cfg, nil, err
	}

	return cfg, b, nil
}

func run(ctx context.Context, args []string, out io.Writer, connect connector) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("brokerctl"),
		kong.Description("Inspect GitHub App installations and mint request headers."),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, b, err := connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.BindTo(out, (*io.Writer)(nil))
	kctx.Bind(cfg, b)

	return kctx.Run()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	zerolog.DefaultContextLogger = &log.Logger

	// a local .env is optional; the environment wins over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}

	if err := run(ctx, os.Args[1:], os.Stdout, connect); err != nil {
		log.Error().Err(err).Msg("brokerctl failed")
		cancel()
		os.Exit(1)
	}
}
