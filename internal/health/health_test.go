package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterlb/clusterlb/internal/registry"
)

type scriptedChecker struct {
	results map[string]bool
	calls   map[string]int
}

func (c *scriptedChecker) Check(ctx context.Context, addr string) (bool, string, error) {
	c.calls[addr]++
	return c.results[addr], "scripted", nil
}

func TestEngineUpdatesRegistryHealth(t *testing.T) {
	reg := registry.New()
	reg.Add(registry.Backend{ID: "a", Address: "10.0.0.1:1", Weight: 1}, false)
	reg.Add(registry.Backend{ID: "b", Address: "10.0.0.2:1", Weight: 1}, false)

	checker := &scriptedChecker{results: map[string]bool{"10.0.0.1:1": true, "10.0.0.2:1": false}, calls: map[string]int{}}
	eng := New(reg, checker, Options{Interval: 10 * time.Millisecond, Timeout: time.Second, RetryDelay: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = eng.Run(ctx)

	snap := reg.HealthySnapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "a", snap[0].ID)
}

func TestProbeWithRetryGivesUpAfterRetryCount(t *testing.T) {
	reg := registry.New()
	reg.Add(registry.Backend{ID: "a", Address: "127.0.0.1:1", Weight: 1}, true)

	checker := &scriptedChecker{results: map[string]bool{}, calls: map[string]int{}}
	eng := New(reg, checker, Options{RetryCount: 2, RetryDelay: time.Millisecond, Timeout: time.Second})

	outcome, _ := eng.probeWithRetry(context.Background(), "127.0.0.1:1")
	require.Equal(t, OutcomeUnhealthy, outcome)
	require.Equal(t, 3, checker.calls["127.0.0.1:1"]) // initial attempt + 2 retries
}

func TestProbeOnceReportsTimeoutDistinctly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept connections but never write a reply, forcing the checker's read
	// to hang until the per-probe timeout trips.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn
		}
	}()

	reg := registry.New()
	eng := New(reg, MongoChecker{}, Options{Timeout: 20 * time.Millisecond})

	outcome, _ := eng.probeOnce(context.Background(), ln.Addr().String())
	require.Equal(t, OutcomeTimeout, outcome)
}

func TestProbeOnceUnreachableIsUnhealthy(t *testing.T) {
	reg := registry.New()
	eng := New(reg, MongoChecker{}, Options{Timeout: time.Second})

	outcome, reason := eng.probeOnce(context.Background(), "127.0.0.1:1")
	require.Equal(t, OutcomeUnhealthy, outcome)
	require.NotEmpty(t, reason)
}
