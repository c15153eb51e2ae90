package rediscluster

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeRecord is a single parsed line of CLUSTER NODES output.
type NodeRecord struct {
	NodeID     string
	Address    string // host:port, cluster-bus port stripped
	Flags      map[string]bool
	SlotRanges []SlotRangeSpec
}

// SlotRangeSpec is an inclusive slot range parsed from a CLUSTER NODES line.
type SlotRangeSpec struct {
	Start uint16
	End   uint16
}

// IsMaster reports whether the record carries the "master" flag.
func (r NodeRecord) IsMaster() bool { return r.Flags["master"] }

// IsFailed reports whether the record carries the "fail" or "fail?" flag.
func (r NodeRecord) IsFailed() bool { return r.Flags["fail"] || r.Flags["fail?"] }

// IsMyself reports whether the record carries the "myself" flag.
func (r NodeRecord) IsMyself() bool { return r.Flags["myself"] }

// ParseClusterNodes parses the bulk-string reply of CLUSTER NODES: one
// record per line, whitespace-separated tokens
// "node_id address@cluster_port flags ..." followed by zero or more slot
// tokens of the form "start-end" or a single integer slot. Blank lines and
// malformed lines (fewer than 8 tokens) are skipped rather than failing the
// whole parse, matching real-world CLUSTER NODES output which may carry
// transient "handshake" entries with no slots.
func ParseClusterNodes(reply string) ([]NodeRecord, error) {
	var records []NodeRecord

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 8 {
			continue
		}

		nodeID := parts[0]
		addressPort := parts[0+1]
		if at := strings.IndexByte(addressPort, '@'); at >= 0 {
			addressPort = addressPort[:at]
		}

		flags := make(map[string]bool)
		for _, f := range strings.Split(parts[2], ",") {
			if f != "" && f != "-" {
				flags[f] = true
			}
		}

		var ranges []SlotRangeSpec
		for _, tok := range parts[8:] {
			if tok == "" || strings.HasPrefix(tok, "[") {
				// importing/migrating markers like [123-<-...]; not owned
				// slot ownership, skip.
				continue
			}
			if dash := strings.IndexByte(tok, '-'); dash > 0 {
				start, err := strconv.ParseUint(tok[:dash], 10, 16)
				if err != nil {
					continue
				}
				end, err := strconv.ParseUint(tok[dash+1:], 10, 16)
				if err != nil {
					continue
				}
				ranges = append(ranges, SlotRangeSpec{Start: uint16(start), End: uint16(end)})
			} else {
				slot, err := strconv.ParseUint(tok, 10, 16)
				if err != nil {
					continue
				}
				ranges = append(ranges, SlotRangeSpec{Start: uint16(slot), End: uint16(slot)})
			}
		}

		records = append(records, NodeRecord{
			NodeID:     nodeID,
			Address:    addressPort,
			Flags:      flags,
			SlotRanges: ranges,
		})
	}

	if len(records) == 0 {
		return nil, errors.New("cluster nodes reply contained no parseable records")
	}

	return records, nil
}
