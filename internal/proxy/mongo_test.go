package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterlb/clusterlb/internal/registry"
	"github.com/clusterlb/clusterlb/internal/selector"
)

// echoUpstream accepts one connection and echoes whatever it reads back to
// the client, simulating a mongos backend closely enough to exercise
// forwarding without speaking real Wire Protocol.
func echoUpstream(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestMongoServerForwardsBytesTransparently(t *testing.T) {
	backendAddr, stopBackend := echoUpstream(t)
	defer stopBackend()

	reg := registry.New()
	reg.Add(registry.Backend{ID: "m1", Address: backendAddr, Weight: 1}, true)

	srv, err := NewMongoServer(MongoServerOptions{
		ListenAddr: "127.0.0.1:0",
		Registry:   reg,
		Selector:   selector.New(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello mongos"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello mongos", string(buf[:n]))
}

func TestMongoServerNoHealthyBackendClosesConnection(t *testing.T) {
	reg := registry.New()

	srv, err := NewMongoServer(MongoServerOptions{
		ListenAddr: "127.0.0.1:0",
		Registry:   reg,
		Selector:   selector.New(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	require.Error(t, err) // connection closed since no backend was available
}

func TestMongoServerMaxConnectionsRejectsExcess(t *testing.T) {
	backendAddr, stopBackend := echoUpstream(t)
	defer stopBackend()

	reg := registry.New()
	reg.Add(registry.Backend{ID: "m1", Address: backendAddr, Weight: 1}, true)

	srv, err := NewMongoServer(MongoServerOptions{
		ListenAddr:     "127.0.0.1:0",
		Registry:       reg,
		Selector:       selector.New(),
		MaxConnections: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	// Hold the first connection open so the limiter's single slot stays taken.
	held, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer held.Close()

	time.Sleep(20 * time.Millisecond)

	excess, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer excess.Close()

	_ = excess.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 8)
	_, err = excess.Read(buf)
	require.Error(t, err) // rejected immediately, connection closed
}
