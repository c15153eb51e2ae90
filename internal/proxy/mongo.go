// Package proxy runs the per-connection accept loops for both modes,
// forwarding client traffic to a chosen backend byte-transparently.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterlb/clusterlb/internal/affinity"
	"github.com/clusterlb/clusterlb/internal/registry"
	"github.com/clusterlb/clusterlb/internal/selector"
)

// MongoServerOptions configures a MongoServer.
type MongoServerOptions struct {
	Logger         *zap.Logger
	ListenAddr     string
	Registry       *registry.Registry
	Selector       *selector.Weighted
	Affinity       *affinity.Engine // nil when session_affinity_enabled is false
	MaxConnections int
}

// MongoServer accepts client connections and forwards each byte-transparently
// to a backend chosen once per connection: via the affinity engine when
// configured, or freshly from the selector otherwise.
type MongoServer struct {
	logger   *zap.Logger
	addr     string
	reg      *registry.Registry
	sel      *selector.Weighted
	aff      *affinity.Engine
	listener net.Listener

	connLimit chan struct{}
}

// NewMongoServer starts listening on opts.ListenAddr.
func NewMongoServer(opts MongoServerOptions) (*MongoServer, error) {
	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	var limit chan struct{}
	if opts.MaxConnections > 0 {
		limit = make(chan struct{}, opts.MaxConnections)
	}

	return &MongoServer{
		logger:    opts.Logger,
		addr:      opts.ListenAddr,
		reg:       opts.Registry,
		sel:       opts.Selector,
		aff:       opts.Affinity,
		listener:  ln,
		connLimit: limit,
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed by Close.
func (s *MongoServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			if s.logger != nil {
				s.logger.Error("failed to accept mongodb client", zap.Error(err))
			}
			return err
		}

		if s.connLimit != nil {
			select {
			case s.connLimit <- struct{}{}:
			default:
				conn.Close()
				continue
			}
		}

		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *MongoServer) Close() error {
	return s.listener.Close()
}

func (s *MongoServer) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()
	if s.connLimit != nil {
		defer func() { <-s.connLimit }()
	}

	logger := s.logger
	if logger != nil {
		logger = logger.With(zap.Stringer("client", client.RemoteAddr()))
	}

	reader, handshake := sniffHandshake(client)

	backend, clientCtx, err := s.pickBackend(client, handshake)
	if err != nil {
		if logger != nil {
			logger.Warn("no backend available for mongodb connection", zap.Error(err))
		}
		return
	}

	upstream, err := net.Dial("tcp", backend.Address)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to dial mongodb backend", zap.String("backend", backend.ID), zap.Error(err))
		}
		return
	}
	defer upstream.Close()

	if logger != nil {
		logger.Debug("mongodb connection routed", zap.String("backend", backend.ID))
	}

	forward(reader, client, upstream)

	if s.aff != nil {
		s.aff.Release(clientCtx)
	}
}

const handshakePeekSize = 256
const handshakeSniffWindow = 50 * time.Millisecond

// sniffHandshake grabs whatever the client has already sent within a short
// window, for ConnectionFingerprint/Hybrid affinity identification, without
// blocking indefinitely waiting for a full handshake. The bytes it captures
// are replayed ahead of the live connection for forwarding, so nothing is
// lost if the client hadn't sent anything yet.
func sniffHandshake(client net.Conn) (io.Reader, []byte) {
	_ = client.SetReadDeadline(time.Now().Add(handshakeSniffWindow))
	buf := make([]byte, handshakePeekSize)
	n, _ := client.Read(buf)
	_ = client.SetReadDeadline(time.Time{})

	handshake := append([]byte(nil), buf[:n]...)
	if n == 0 {
		return client, handshake
	}
	return io.MultiReader(bytes.NewReader(handshake), client), handshake
}

// pickBackend selects a backend for a new connection: through the affinity
// engine (which binds or reuses a session) when affinity is enabled, or
// freshly from the selector otherwise.
func (s *MongoServer) pickBackend(client net.Conn, handshake []byte) (registry.Backend, affinity.ClientContext, error) {
	candidates := s.reg.HealthySnapshot()

	if s.aff == nil {
		b, err := s.sel.Select(candidates)
		return b, affinity.ClientContext{}, err
	}

	ctx := affinity.ClientContext{SourceAddr: client.RemoteAddr().String(), ConnectionData: handshake}
	id, err := s.aff.GetOrBind(ctx, candidates, s.sel)
	if err != nil {
		return registry.Backend{}, ctx, err
	}
	b, err := s.reg.Get(id)
	return b, ctx, err
}

// forward pipes bytes in both directions until either side closes; it does
// not inspect or mutate the MongoDB wire traffic. clientReader already holds
// any handshake bytes peeked for affinity identification, so reads from it
// (not clientConn directly) see the full stream from the start.
func forward(clientReader io.Reader, clientConn, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, clientReader)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, upstream)
		closeWrite(clientConn)
	}()

	wg.Wait()
}

func closeWrite(conn net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
