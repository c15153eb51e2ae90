package proxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterlb/clusterlb/internal/rediscluster"
	"github.com/clusterlb/clusterlb/internal/resp"
)

// scriptedSingleReplyNode accepts one connection, reads exactly one RESP
// command, and replies with a fixed value.
func scriptedSingleReplyNode(t *testing.T, reply string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				p := &resp.Parser{}
				buf := make([]byte, 0, 4096)
				chunk := make([]byte, 4096)
				for {
					if _, n, err := p.Parse(buf); err == nil {
						buf = buf[n:]
						break
					}
					nr, err := r.Read(chunk)
					if nr > 0 {
						buf = append(buf, chunk[:nr]...)
					}
					if err != nil {
						return
					}
				}
				_, _ = conn.Write([]byte(reply))
			}()
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestRedisServerRoutesByKeySlot(t *testing.T) {
	nodeAddr, stop := scriptedSingleReplyNode(t, "+OK\r\n")
	defer stop()

	topo := rediscluster.New(rediscluster.Options{RefreshInterval: time.Hour, DialTimeout: time.Second})
	topo.Nodes().Put(rediscluster.NodeInfo{NodeID: "node1", Address: nodeAddr, IsMaster: true})
	topo.Slots().Assign(0, 16383, "node1")

	srv, err := NewRedisServer(RedisServerOptions{
		ListenAddr:      "127.0.0.1:0",
		Topology:        topo,
		MaxRedirections: 3,
		DialTimeout:     time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(resp.Encode(resp.NewCommand("SET", "foo", "bar")))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(buf[:n]))
}

func TestRedisServerSlotNotMappedReturnsStructuredError(t *testing.T) {
	topo := rediscluster.New(rediscluster.Options{RefreshInterval: time.Hour, DialTimeout: time.Second})

	srv, err := NewRedisServer(RedisServerOptions{
		ListenAddr:      "127.0.0.1:0",
		Topology:        topo,
		MaxRedirections: 3,
		DialTimeout:     time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(resp.Encode(resp.NewCommand("GET", "anykey")))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "slot not mapped")

	// Connection stays open after a routing error.
	_, err = conn.Write(resp.Encode(resp.NewCommand("PING")))
	require.NoError(t, err)
}

func TestRedisServerCommandsHandledInArrivalOrder(t *testing.T) {
	nodeAddr, stop := scriptedSequentialNode(t, map[string]string{
		"foo": "+FOO-REPLY\r\n",
		"bar": "+BAR-REPLY\r\n",
	})
	defer stop()

	topo := rediscluster.New(rediscluster.Options{RefreshInterval: time.Hour, DialTimeout: time.Second})
	topo.Nodes().Put(rediscluster.NodeInfo{NodeID: "node1", Address: nodeAddr, IsMaster: true})
	topo.Slots().Assign(0, 16383, "node1")

	srv, err := NewRedisServer(RedisServerOptions{
		ListenAddr:      "127.0.0.1:0",
		Topology:        topo,
		MaxRedirections: 3,
		DialTimeout:     time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(resp.Encode(resp.NewCommand("GET", "foo")))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "+FOO-REPLY\r\n", string(buf[:n]))

	_, err = conn.Write(resp.Encode(resp.NewCommand("GET", "bar")))
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "+BAR-REPLY\r\n", string(buf[:n]))
}

// scriptedSequentialNode replies to successive commands, on whichever
// connection they arrive, based on the first argument of each, to verify
// ordering without depending on timing.
func scriptedSequentialNode(t *testing.T, repliesByArg map[string]string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				p := &resp.Parser{}
				buf := make([]byte, 0, 4096)
				chunk := make([]byte, 4096)

				for {
					var command resp.Value
					for {
						v, n, err := p.Parse(buf)
						if err == nil {
							command = v
							buf = buf[n:]
							break
						}
						nr, rerr := r.Read(chunk)
						if nr > 0 {
							buf = append(buf, chunk[:nr]...)
						}
						if rerr != nil {
							return
						}
					}
					key, _ := resp.FirstArg(command)
					reply := repliesByArg[string(key)]
					if _, err := conn.Write([]byte(reply)); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}
