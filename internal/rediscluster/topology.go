package rediscluster

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/clusterlb/clusterlb/internal/resp"
)

// NodeRegistry maps a Redis cluster node id to its address, including
// replica nodes (kept for health awareness even though they never own
// slots).
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

// NodeInfo describes one known cluster node.
type NodeInfo struct {
	NodeID   string
	Address  string
	IsMaster bool
	Failed   bool
}

// NewNodeRegistry returns an empty node registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]NodeInfo)}
}

// Put inserts or replaces a node entry.
func (r *NodeRegistry) Put(info NodeInfo) {
	r.mu.Lock()
	r.nodes[info.NodeID] = info
	r.mu.Unlock()
}

// Address resolves a node id to its address.
func (r *NodeRegistry) Address(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[nodeID]
	if !ok {
		return "", false
	}
	return info.Address, true
}

// NodeIDForAddress finds an existing node id already registered under
// address, if any.
func (r *NodeRegistry) NodeIDForAddress(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.nodes {
		if info.Address == address {
			return info.NodeID, true
		}
	}
	return "", false
}

// ProvisionalNodeID registers address under a synthetic node id derived from
// the address itself, used when a MOVED/ASK target is unknown to the
// registry until the next topology refresh reconciles it.
func (r *NodeRegistry) ProvisionalNodeID(address string) string {
	if id, ok := r.NodeIDForAddress(address); ok {
		return id
	}
	id := "provisional-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(address)).String()
	r.Put(NodeInfo{NodeID: id, Address: address})
	return id
}

// Topology is the discovery engine: it maintains the slot map and node
// registry by periodically fetching and parsing CLUSTER NODES from a
// reachable seed, in the same interval-poll / latest-wins shape as the
// teacher's cbtopology.PollingProvider.WatchCluster.
type Topology struct {
	logger *zap.Logger
	slots  *SlotMap
	nodes  *NodeRegistry

	mu    sync.RWMutex
	seeds []string

	refreshInterval time.Duration
	dialTimeout     time.Duration
}

// Options configures a Topology engine.
type Options struct {
	Logger          *zap.Logger
	Seeds           []string
	RefreshInterval time.Duration
	DialTimeout     time.Duration
}

// New constructs a Topology engine sharing a fresh SlotMap/NodeRegistry.
func New(opts Options) *Topology {
	return &Topology{
		logger:          opts.Logger,
		slots:           NewSlotMap(),
		nodes:           NewNodeRegistry(),
		seeds:           append([]string(nil), opts.Seeds...),
		refreshInterval: opts.RefreshInterval,
		dialTimeout:     opts.DialTimeout,
	}
}

// Slots returns the shared slot map.
func (t *Topology) Slots() *SlotMap { return t.slots }

// Nodes returns the shared node registry.
func (t *Topology) Nodes() *NodeRegistry { return t.nodes }

// fetchClusterNodes dials one of the known seeds and issues CLUSTER NODES,
// returning the first successful reply. Seeds are tried in order; a fully
// unreachable seed set is a network error surfaced to the caller.
func (t *Topology) fetchClusterNodes(ctx context.Context) (string, error) {
	t.mu.RLock()
	seeds := append([]string(nil), t.seeds...)
	t.mu.RUnlock()

	var lastErr error
	for _, seed := range seeds {
		reply, err := fetchClusterNodesFrom(ctx, seed, t.dialTimeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no seed nodes configured")
	}
	return "", errors.Wrap(lastErr, "all seed nodes unreachable")
}

func fetchClusterNodesFrom(ctx context.Context, address string, timeout time.Duration) (string, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", errors.Wrapf(err, "dial %s", address)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write(resp.Encode(resp.NewCommand("CLUSTER", "NODES"))); err != nil {
		return "", errors.Wrap(err, "write CLUSTER NODES")
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read bulk header")
	}
	if len(line) == 0 || line[0] != '$' {
		return "", errors.Errorf("unexpected reply to CLUSTER NODES: %q", line)
	}

	var length int
	if _, err := parseBulkLen(line, &length); err != nil {
		return "", err
	}

	buf := make([]byte, length+2)
	if _, err := readFull(reader, buf); err != nil {
		return "", errors.Wrap(err, "read bulk body")
	}
	return string(buf[:length]), nil
}

func parseBulkLen(line string, out *int) (int, error) {
	n := 0
	sign := 1
	i := 1
	if i < len(line) && line[i] == '-' {
		sign = -1
		i++
	}
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
		n = n*10 + int(line[i]-'0')
	}
	*out = n * sign
	return n, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
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

// refreshOnce fetches and applies one CLUSTER NODES snapshot. Only records
// whose flags contain "master" and do not contain "fail" are authoritative
// for slot ownership; replica records are recorded for health awareness but
// never written into the slot map. Collisions with a previous observation
// resolve in favour of this, newer, observation.
func (t *Topology) refreshOnce(ctx context.Context) error {
	reply, err := t.fetchClusterNodes(ctx)
	if err != nil {
		return err
	}

	records, err := ParseClusterNodes(reply)
	if err != nil {
		return err
	}

	t.slots.Reset()
	for _, rec := range records {
		t.nodes.Put(NodeInfo{
			NodeID:   rec.NodeID,
			Address:  rec.Address,
			IsMaster: rec.IsMaster(),
			Failed:   rec.IsFailed(),
		})

		if !rec.IsMaster() || rec.IsFailed() {
			continue
		}
		for _, sr := range rec.SlotRanges {
			t.slots.Assign(sr.Start, sr.End, rec.NodeID)
		}
	}

	return nil
}

// Run starts the scheduled refresh loop; it blocks until ctx is cancelled,
// performing an initial synchronous refresh first so callers can treat a
// successful Run-start as "topology ready" for tests, and logging (rather
// than failing) subsequent refresh errors since a transient discovery
// failure must not take down the proxy.
func (t *Topology) Run(ctx context.Context) error {
	if err := t.refreshOnce(ctx); err != nil {
		return errors.Wrap(err, "initial topology discovery")
	}

	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.refreshOnce(ctx); err != nil && t.logger != nil {
				t.logger.Warn("topology refresh failed", zap.Error(err))
			}
		}
	}
}

// SoftRefreshSlot updates a single slot immediately in response to a MOVED
// observation, without waiting for the next scheduled full refresh.
func (t *Topology) SoftRefreshSlot(slot uint16, address string) string {
	nodeID, ok := t.nodes.NodeIDForAddress(address)
	if !ok {
		nodeID = t.nodes.ProvisionalNodeID(address)
	}
	t.slots.AssignOne(slot, nodeID)
	return nodeID
}

// ScheduleFullRefresh triggers an out-of-band refresh, used after a MOVED
// observation to reconcile the provisional node id against the next real
// topology snapshot. It never blocks the caller.
func (t *Topology) ScheduleFullRefresh(ctx context.Context) {
	go func() {
		if err := t.refreshOnce(ctx); err != nil && t.logger != nil {
			t.logger.Debug("async post-MOVED refresh failed", zap.Error(err))
		}
	}()
}
