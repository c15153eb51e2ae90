package proxy

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clusterlb/clusterlb/internal/rediscluster"
	"github.com/clusterlb/clusterlb/internal/redirect"
	"github.com/clusterlb/clusterlb/internal/resp"
)

// RedisServerOptions configures a RedisServer.
type RedisServerOptions struct {
	Logger          *zap.Logger
	ListenAddr      string
	Topology        *rediscluster.Topology
	MaxRedirections int
	DialTimeout     time.Duration
	MaxConnections  int
}

// RedisServer accepts client connections and routes each command to the
// node owning its key's slot, following MOVED/ASK redirections
// transparently. Commands within one connection are handled strictly in
// arrival order: a reply is not sent until the corresponding command
// (including any redirection follow-ups) completes.
type RedisServer struct {
	logger    *zap.Logger
	topo      *rediscluster.Topology
	handler   *redirect.Handler
	listener  net.Listener
	connLimit chan struct{}
}

// NewRedisServer starts listening on opts.ListenAddr.
func NewRedisServer(opts RedisServerOptions) (*RedisServer, error) {
	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	var limit chan struct{}
	if opts.MaxConnections > 0 {
		limit = make(chan struct{}, opts.MaxConnections)
	}

	return &RedisServer{
		logger: opts.Logger,
		topo:   opts.Topology,
		handler: &redirect.Handler{
			Topology:        opts.Topology,
			MaxRedirections: opts.MaxRedirections,
			DialTimeout:     opts.DialTimeout,
		},
		listener:  ln,
		connLimit: limit,
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed by Close.
func (s *RedisServer) Serve(ctx context.Context) error {
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
				s.logger.Error("failed to accept redis client", zap.Error(err))
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
func (s *RedisServer) Close() error {
	return s.listener.Close()
}

func (s *RedisServer) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()
	if s.connLimit != nil {
		defer func() { <-s.connLimit }()
	}

	logger := s.logger
	if logger != nil {
		logger = logger.With(zap.Stringer("client", client.RemoteAddr()))
	}

	parser := &resp.Parser{}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		command, n, err := parser.Parse(buf)
		for errors.Is(err, resp.ErrNeedMore) {
			if ctx.Err() != nil {
				return
			}
			nr, rerr := client.Read(chunk)
			if nr > 0 {
				buf = append(buf, chunk[:nr]...)
			}
			if rerr != nil {
				return
			}
			command, n, err = parser.Parse(buf)
		}
		if err != nil {
			_, _ = client.Write(resp.Encode(resp.NewError("ERR Protocol error: " + err.Error())))
			return
		}
		buf = buf[n:]

		reply, err := s.dispatch(ctx, client, command)
		if err != nil {
			if logger != nil {
				logger.Debug("redis command dispatch failed", zap.Error(err))
			}
			reply = resp.Encode(resp.NewError("ERR " + err.Error()))
		}
		if _, err := client.Write(reply); err != nil {
			return
		}
	}
}

// dispatch resolves the command's target node from the slot map and runs it
// through the redirection handler. A slot with no known owner yet (topology
// discovery still in flight) is a structured routing error, not a panic or
// a silent default route.
func (s *RedisServer) dispatch(ctx context.Context, client net.Conn, command resp.Value) ([]byte, error) {
	key, ok := resp.FirstArg(command)
	if !ok {
		return s.handler.Dispatch(ctx, command, s.anyKnownAddress())
	}

	slot := rediscluster.KeySlot(key)
	nodeID, err := s.topo.Slots().NodeForSlot(slot)
	if err != nil {
		if errors.Is(err, rediscluster.ErrSlotNotMapped) {
			return resp.Encode(resp.NewError("ERR slot not mapped")), nil
		}
		return nil, err
	}

	address, ok := s.topo.Nodes().Address(nodeID)
	if !ok {
		return nil, errors.Errorf("no address known for node %s", nodeID)
	}

	return s.handler.Dispatch(ctx, command, address)
}

// anyKnownAddress picks an arbitrary known node address for commands that
// carry no key (e.g. PING), so they still have somewhere to land.
func (s *RedisServer) anyKnownAddress() string {
	nodeID, err := s.topo.Slots().NodeForSlot(0)
	if err == nil {
		if addr, ok := s.topo.Nodes().Address(nodeID); ok {
			return addr
		}
	}
	return ""
}
