package rediscluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleClusterNodes = `07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30004@31004 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 127.0.0.1:30003@31003 master - 0 1426238318243 3 connected 10923-16383
6ec23923021cf3ffec47632106199cb7f496ce01 127.0.0.1:30005@31005 slave 67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 0 1426238316232 5 connected
824fe116063bc5fcf9f4ffd395bc17adf3a3a6b2 127.0.0.1:30006@31006 slave 292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 0 1426238317741 6 connected
e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 127.0.0.1:30001@31001 myself,master - 0 0 1 connected 0-5460
`

func TestParseClusterNodes(t *testing.T) {
	records, err := ParseClusterNodes(sampleClusterNodes)
	require.NoError(t, err)
	require.Len(t, records, 6)

	var masters, slaves int
	for _, r := range records {
		if r.IsMaster() {
			masters++
		} else {
			slaves++
		}
	}
	require.Equal(t, 3, masters)
	require.Equal(t, 3, slaves)
}

func TestParseClusterNodesIdempotent(t *testing.T) {
	a, err := ParseClusterNodes(sampleClusterNodes)
	require.NoError(t, err)
	b, err := ParseClusterNodes(sampleClusterNodes)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSlotMapFromClusterNodes(t *testing.T) {
	records, err := ParseClusterNodes(sampleClusterNodes)
	require.NoError(t, err)

	sm := NewSlotMap()
	for _, rec := range records {
		if !rec.IsMaster() || rec.IsFailed() {
			continue
		}
		for _, sr := range rec.SlotRanges {
			sm.Assign(sr.Start, sr.End, rec.NodeID)
		}
	}

	require.True(t, sm.IsComplete())

	n0, err := sm.NodeForSlot(0)
	require.NoError(t, err)
	require.Equal(t, "e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca", n0)

	n5460, err := sm.NodeForSlot(5460)
	require.NoError(t, err)
	require.Equal(t, "e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca", n5460)

	n5461, err := sm.NodeForSlot(5461)
	require.NoError(t, err)
	require.Equal(t, "67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1", n5461)

	n16383, err := sm.NodeForSlot(16383)
	require.NoError(t, err)
	require.Equal(t, "292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f", n16383)
}

func TestMyselfFailFlagDetected(t *testing.T) {
	const withFail = `e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 127.0.0.1:30001@31001 myself,master,fail - 0 0 1 connected 0-5460
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-16383
`
	records, err := ParseClusterNodes(withFail)
	require.NoError(t, err)

	var myself NodeRecord
	for _, r := range records {
		if r.IsMyself() {
			myself = r
		}
	}
	require.True(t, myself.IsFailed())
}

func TestEmptyReplyIsError(t *testing.T) {
	_, err := ParseClusterNodes("\n\n  \n")
	require.Error(t, err)
}
