package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/config"
)

func TestServe_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	cfg.ListenAddr = busy.Addr().String()

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg, newTestServer(nil)) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after a failed bind")
	}
}

func TestServe_FlightInitFailure(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = ""
	cfg.FlightAddr = "not-a-host:-1"

	err := serve(context.Background(), cfg, newTestServer(nil))
	assert.Error(t, err)
}

func TestServe_CleanShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, newTestServer(nil)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
