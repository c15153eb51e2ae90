package health

import (
	"bufio"
	"context"
	"strings"

	"github.com/clusterlb/clusterlb/internal/rediscluster"
)

// RedisChecker probes a Redis Cluster node with PING and, when
// CheckClusterStatus is enabled, a follow-up CLUSTER NODES inspection of the
// node's own "myself" line.
type RedisChecker struct {
	CheckClusterStatus bool
}

func (c RedisChecker) Check(ctx context.Context, addr string) (bool, string, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return false, "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("PING\r\n")); err != nil {
		return false, "", err
	}

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, "", err
	}
	if strings.TrimRight(line, "\r\n") != "+PONG" {
		return false, "unexpected PING reply: " + strings.TrimSpace(line), nil
	}

	if !c.CheckClusterStatus {
		return true, "", nil
	}

	if _, err := conn.Write([]byte("CLUSTER NODES\r\n")); err != nil {
		return false, "", err
	}

	header, err := reader.ReadString('\n')
	if err != nil {
		return false, "", err
	}
	var length int
	if _, err := parseBulkHeader(header, &length); err != nil {
		return false, "malformed CLUSTER NODES reply", nil
	}

	body := make([]byte, length+2)
	if _, err := readFullReader(reader, body); err != nil {
		return false, "", err
	}

	records, err := rediscluster.ParseClusterNodes(string(body[:length]))
	if err != nil {
		return false, "CLUSTER NODES unparseable", nil
	}

	for _, rec := range records {
		if !rec.IsMyself() {
			continue
		}
		if rec.Flags["fail"] || rec.Flags["fail?"] {
			return false, "myself node flagged fail", nil
		}
		if rec.Flags["handshake"] {
			return false, "myself node flagged handshake", nil
		}
		return true, "", nil
	}

	return false, "myself line not found in CLUSTER NODES", nil
}

func parseBulkHeader(line string, out *int) (int, error) {
	n := 0
	i := 1
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
		n = n*10 + int(line[i]-'0')
	}
	*out = n
	return n, nil
}

func readFullReader(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
