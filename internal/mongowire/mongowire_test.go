package mongowire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildReply hand-assembles a minimal OP_MSG reply frame carrying the given
// top-level BSON fields, correlated to requestID via responseTo.
func buildReply(t *testing.T, responseTo int32, fields map[string]any) []byte {
	t.Helper()

	var doc bytes.Buffer
	for name, v := range fields {
		switch val := v.(type) {
		case int32:
			doc.WriteByte(0x10)
			doc.WriteString(name)
			doc.WriteByte(0)
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, uint32(val))
			doc.Write(b)
		case string:
			doc.WriteByte(0x02)
			doc.WriteString(name)
			doc.WriteByte(0)
			lb := make([]byte, 4)
			binary.LittleEndian.PutUint32(lb, uint32(len(val)+1))
			doc.Write(lb)
			doc.WriteString(val)
			doc.WriteByte(0)
		case bool:
			doc.WriteByte(0x08)
			doc.WriteString(name)
			doc.WriteByte(0)
			if val {
				doc.WriteByte(1)
			} else {
				doc.WriteByte(0)
			}
		default:
			t.Fatalf("unsupported fixture value type %T", v)
		}
	}

	total := 4 + doc.Len() + 1
	docBuf := make([]byte, 0, total)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(total))
	docBuf = append(docBuf, lenBuf...)
	docBuf = append(docBuf, doc.Bytes()...)
	docBuf = append(docBuf, 0)

	var body bytes.Buffer
	body.Write([]byte{0, 0, 0, 0}) // flagBits
	body.WriteByte(0)              // section kind 0
	body.Write(docBuf)

	h := header{length: int32(headerLen + body.Len()), requestID: 99, responseTo: responseTo, opCode: opMsg}
	out := append([]byte{}, h.encode()...)
	out = append(out, body.Bytes()...)
	return out
}

func TestBuildIsMasterFrameShape(t *testing.T) {
	frame := BuildIsMaster(42)
	require.GreaterOrEqual(t, len(frame), headerLen)
	h, err := decodeHeader(frame[:headerLen])
	require.NoError(t, err)
	require.Equal(t, int32(42), h.requestID)
	require.Equal(t, int32(opMsg), h.opCode)
	require.Equal(t, int32(len(frame)), h.length)
}

func TestReadReplyHealthyPrimary(t *testing.T) {
	frame := buildReply(t, 42, map[string]any{"ok": int32(1), "ismaster": true})
	reply, err := ReadReply(bytes.NewReader(frame), 42)
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.True(t, reply.IsPrimary)
}

func TestReadReplyNotOK(t *testing.T) {
	frame := buildReply(t, 42, map[string]any{"ok": int32(0), "errmsg": "not primary"})
	reply, err := ReadReply(bytes.NewReader(frame), 42)
	require.NoError(t, err)
	require.False(t, reply.OK)
	require.Equal(t, "not primary", reply.ErrMsg)
}

func TestReadReplyResponseToMismatch(t *testing.T) {
	frame := buildReply(t, 7, map[string]any{"ok": int32(1)})
	_, err := ReadReply(bytes.NewReader(frame), 42)
	require.ErrorIs(t, err, ErrResponseToMismatch)
}

func TestReadReplyTruncatedHeader(t *testing.T) {
	_, err := ReadReply(bytes.NewReader([]byte{1, 2, 3}), 42)
	require.Error(t, err)
}

func TestReadReplyTruncatedBody(t *testing.T) {
	frame := buildReply(t, 42, map[string]any{"ok": int32(1)})
	truncated := frame[:len(frame)-4]
	_, err := ReadReply(bytes.NewReader(truncated), 42)
	require.Error(t, err)
}
