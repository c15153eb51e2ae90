package health

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/clusterlb/clusterlb/internal/mongowire"
)

// MongoChecker probes a mongos router with a genuine isMaster/hello Wire
// Protocol round trip. A plain TCP connect is not sufficient: a router that
// accepts TCP but cannot reach its config servers must be reported
// unhealthy, which only inspecting the reply document can detect.
type MongoChecker struct{}

func (MongoChecker) Check(ctx context.Context, addr string) (bool, string, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return false, "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	requestID := newRequestID()
	if _, err := conn.Write(mongowire.BuildIsMaster(requestID)); err != nil {
		return false, "", err
	}

	reply, err := mongowire.ReadReply(conn, requestID)
	if err != nil {
		return false, "", err
	}

	if !reply.OK {
		reason := reply.ErrMsg
		if reason == "" {
			reason = "isMaster reply ok=0"
		}
		return false, reason, nil
	}
	if reply.ShuttingDown {
		return false, "server reports isShuttingDown", nil
	}

	return true, "", nil
}

func newRequestID() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := int32(binary.LittleEndian.Uint32(b[:]))
	if v < 0 {
		v = -v
	}
	return v
}
