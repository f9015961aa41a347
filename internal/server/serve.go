package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/octopulse/installation-broker/internal/config"
	"github.com/rs/zerolog/log"
)

// Serve listens on server.Addr and serves until ctx is cancelled or the
// process receives SIGINT or SIGTERM. In-flight requests are then given the
// configured shutdown timeout to complete before hooks run.
func Serve(ctx context.Context, cfg config.ServerConfig, server *http.Server, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("server listen failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, server, listener, hooks)
}

func serve(ctx context.Context, cfg config.ServerConfig, server *http.Server, listener net.Listener, hooks *ShutdownHooks) error {
	serverErr := make(chan error, 1)

	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")

		err := server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	log.Info().Dur("timeout", timeout).Msg("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server: requests did not drain before the shutdown timeout")
	}

	if hooks != nil {
		err = errors.Join(err, hooks.Execute(shutdownCtx))
	}

	log.Info().Msg("server: shutdown complete")

	return err
}
