// Package redirect recovers transparently from Redis Cluster reconfiguration
// events (MOVED/ASK) surfaced by a backend reply.
package redirect

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/clusterlb/clusterlb/internal/rediscluster"
	"github.com/clusterlb/clusterlb/internal/resp"
)

// Kind distinguishes MOVED from ASK.
type Kind int

const (
	KindMoved Kind = iota
	KindAsk
)

// Redirect is a parsed MOVED/ASK error payload.
type Redirect struct {
	Kind    Kind
	Slot    uint16
	Address string
}

// ErrTooManyRedirections is returned once a single client command has been
// redirected max_redirections times without resolving.
var ErrTooManyRedirections = errors.New("too many redirections")

// Parse recognises a RESP error reply whose payload begins with MOVED or ASK
// and extracts the slot number and target address. It returns ok=false for
// any other error shape (including malformed redirection payloads, which are
// passed through to the client unchanged per spec).
func Parse(errMsg string) (Redirect, bool) {
	var kind Kind
	var rest string
	switch {
	case hasPrefixWord(errMsg, "MOVED"):
		kind = KindMoved
		rest = errMsg[len("MOVED"):]
	case hasPrefixWord(errMsg, "ASK"):
		kind = KindAsk
		rest = errMsg[len("ASK"):]
	default:
		return Redirect{}, false
	}

	fields := splitFields(rest)
	if len(fields) != 2 {
		return Redirect{}, false
	}

	slot, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return Redirect{}, false
	}

	return Redirect{Kind: kind, Slot: uint16(slot), Address: fields[1]}, true
}

func hasPrefixWord(s, word string) bool {
	if len(s) < len(word)+1 {
		return false
	}
	return s[:len(word)] == word && s[len(word)] == ' '
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// FastDetect is a byte-scanning recognizer that classifies a raw reply as a
// redirection by its MOVED/ASK prefix, without a full structured parse,
// supplementing the spec per the original implementation's
// parse_redirect_bytes fast path. Neither the RESP codec nor Dispatch calls
// it; Dispatch classifies each reply after parsing it in full. It expects
// data without the leading '-'.
func FastDetect(data []byte) (Redirect, bool) {
	if bytes.HasPrefix(data, []byte("MOVED ")) {
		r, ok := Parse(string(bytes.TrimRight(data, "\r\n")))
		return r, ok
	}
	if bytes.HasPrefix(data, []byte("ASK ")) {
		r, ok := Parse(string(bytes.TrimRight(data, "\r\n")))
		return r, ok
	}
	return Redirect{}, false
}

// Handler performs MOVED/ASK recovery for a single client command, bounded
// by MaxRedirections redirection follow-ups.
type Handler struct {
	Topology        *rediscluster.Topology
	MaxRedirections int
	DialTimeout     time.Duration
}

// Dispatch sends command to address and returns the raw reply bytes read
// back (after RESP framing is observed), following MOVED/ASK redirections
// as needed up to MaxRedirections. A redirection surfaced by an ASK
// preflight's replayed command counts against the same bound and is itself
// followed (a target mid-migration can hand back another MOVED/ASK), so the
// client never sees a raw redirection error as a command's answer.
func (h *Handler) Dispatch(ctx context.Context, command resp.Value, firstAddress string) ([]byte, error) {
	address := firstAddress
	parser := &resp.Parser{}
	asking := false

	for attempt := 0; ; attempt++ {
		if attempt > h.MaxRedirections {
			return nil, ErrTooManyRedirections
		}

		var reply resp.Value
		var err error
		if asking {
			reply, err = sendWithAsking(ctx, address, command, h.DialTimeout, parser)
			asking = false
		} else {
			reply, err = sendAndRead(ctx, address, command, h.DialTimeout, parser)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "redirect dispatch to %s", address)
		}

		if reply.Kind != resp.KindError {
			return resp.Encode(reply), nil
		}

		redir, ok := Parse(reply.Str)
		if !ok {
			// Unrecognised error shape: pass through unchanged.
			return resp.Encode(reply), nil
		}

		switch redir.Kind {
		case KindMoved:
			nodeID := h.Topology.SoftRefreshSlot(redir.Slot, redir.Address)
			h.Topology.ScheduleFullRefresh(ctx)
			resolved, ok := h.Topology.Nodes().Address(nodeID)
			if !ok {
				resolved = redir.Address
			}
			address = resolved
			continue

		case KindAsk:
			address = redir.Address
			asking = true
			continue
		}
	}
}

// sendWithAsking opens a short-lived connection to address, issues ASKING,
// then replays command once (ASK is a one-shot hint: the slot map is never
// updated from it). The reply is returned unencoded so the caller can check
// it for a further MOVED/ASK before counting it as the final answer.
func sendWithAsking(ctx context.Context, address string, command resp.Value, timeout time.Duration, parser *resp.Parser) (resp.Value, error) {
	conn, err := dial(ctx, address, timeout)
	if err != nil {
		return resp.Value{}, errors.Wrapf(err, "ask dial %s", address)
	}
	defer conn.Close()

	if _, err := conn.Write(resp.Encode(resp.NewCommand("ASKING"))); err != nil {
		return resp.Value{}, errors.Wrap(err, "write ASKING")
	}
	if _, err := readOneValue(conn, parser); err != nil {
		return resp.Value{}, errors.Wrap(err, "read ASKING reply")
	}

	if _, err := conn.Write(resp.Encode(command)); err != nil {
		return resp.Value{}, errors.Wrap(err, "write replayed command")
	}
	return readOneValue(conn, parser)
}

func sendAndRead(ctx context.Context, address string, command resp.Value, timeout time.Duration, parser *resp.Parser) (resp.Value, error) {
	conn, err := dial(ctx, address, timeout)
	if err != nil {
		return resp.Value{}, err
	}
	defer conn.Close()

	if _, err := conn.Write(resp.Encode(command)); err != nil {
		return resp.Value{}, errors.Wrap(err, "write command")
	}
	return readOneValue(conn, parser)
}

func dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	return conn, nil
}

func readOneValue(conn net.Conn, parser *resp.Parser) (resp.Value, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		if v, n, err := parser.Parse(buf); err == nil {
			_ = n
			return v, nil
		} else if !errors.Is(err, resp.ErrNeedMore) {
			return resp.Value{}, err
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return resp.Value{}, err
		}
	}
}
