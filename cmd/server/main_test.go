package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/goph-chat/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("gc-server", []string{
		"--dsn=" + MemoryDSN,
		"--jwt-key=test",
		"--addr=127.0.0.1:0",
		"--health-addr=127.0.0.1:0",
	})
	require.NoError(t, err)
	return cfg
}

func TestOpenStorageMemory(t *testing.T) {
	st, err := openStorage(context.Background(), memoryConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer st.close()
	require.NotNil(t, st.users)
	require.NotNil(t, st.messages)
	require.NoError(t, st.ping(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, memoryConfig(t), zaptest.NewLogger(t)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestWatchHealth(t *testing.T) {
	hs := health.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	fail := make(chan struct{})
	ping := func(context.Context) error {
		select {
		case <-fail:
			return errors.New("down")
		default:
			return nil
		}
	}
	close(fail)
	go watchHealth(ctx, hs, ping, zaptest.NewLogger(t))

	require.Eventually(t, func() bool {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}
