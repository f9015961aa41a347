package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/octopulse/installation-broker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_GracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	}

	hookRan := false
	hooks := &ShutdownHooks{}
	hooks.Add("cache", func() error {
		hookRan = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, config.ServerConfig{ShutdownTimeoutSeconds: 5}, server, listener, hooks)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	assert.True(t, hookRan, "shutdown hooks should run")
}

func TestServe_ListenerFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	err = serve(context.Background(), config.ServerConfig{ShutdownTimeoutSeconds: 1}, &http.Server{}, listener, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server failed")
}

func TestServe_InvalidAddress(t *testing.T) {
	err := Serve(context.Background(), config.ServerConfig{}, &http.Server{Addr: "not-an-address"}, nil)
	require.Error(t, err)
}
