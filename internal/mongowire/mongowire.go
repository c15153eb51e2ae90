// Package mongowire speaks just enough of the MongoDB Wire Protocol to issue
// an isMaster/hello handshake and interpret the reply. It exists solely to
// give the health checker a genuine round trip instead of a bare TCP probe.
package mongowire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	opReply = 1
	opQuery = 2004
	opMsg   = 2013

	headerLen = 16

	opMsgChecksumPresent uint32 = 1 << 0
)

// ErrTruncatedFrame is returned when a frame's declared length extends past
// what could be read before the connection closed or timed out.
var ErrTruncatedFrame = errors.New("truncated wire protocol frame")

// ErrResponseToMismatch is returned when a reply's responseTo does not
// correlate with the requestId of the request that solicited it, which is
// treated as a spurious or cross-talked reply.
var ErrResponseToMismatch = errors.New("reply responseTo does not match request id")

// header is the fixed 16-byte frame header common to every Wire Protocol
// message: length, requestId, responseTo, opCode.
type header struct {
	length     int32
	requestID  int32
	responseTo int32
	opCode     int32
}

func (h header) encode() []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.requestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.responseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.opCode))
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerLen {
		return header{}, ErrTruncatedFrame
	}
	return header{
		length:     int32(binary.LittleEndian.Uint32(buf[0:4])),
		requestID:  int32(binary.LittleEndian.Uint32(buf[4:8])),
		responseTo: int32(binary.LittleEndian.Uint32(buf[8:12])),
		opCode:     int32(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

// BuildIsMaster encodes an OP_MSG carrying {isMaster: 1} against the admin
// database, tagged with requestID so the reply can be correlated.
func BuildIsMaster(requestID int32) []byte {
	var body bytes.Buffer
	body.Write([]byte{0, 0, 0, 0}) // flagBits (uint32), no sections beyond the single body document
	body.WriteByte(0)              // section kind 0: body
	body.Write(encodeIsMasterDocument())

	h := header{
		length:     int32(headerLen + body.Len()),
		requestID:  requestID,
		responseTo: 0,
		opCode:     opMsg,
	}

	out := make([]byte, 0, int(h.length))
	out = append(out, h.encode()...)
	out = append(out, body.Bytes()...)
	return out
}

// encodeIsMasterDocument hand-builds the minimal BSON document
// {isMaster: 1, "$db": "admin"} without pulling in a full BSON library: the
// document shape is small, fixed, and never needs to round-trip through
// user data, so a dedicated encoder is proportionate here.
func encodeIsMasterDocument() []byte {
	var doc bytes.Buffer

	writeInt32Element(&doc, "isMaster", 1)
	writeStringElement(&doc, "$db", "admin")

	total := 4 + doc.Len() + 1
	out := make([]byte, 0, total)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(total))
	out = append(out, lenBuf...)
	out = append(out, doc.Bytes()...)
	out = append(out, 0)
	return out
}

func writeInt32Element(buf *bytes.Buffer, name string, value int32) {
	buf.WriteByte(0x10) // BSON int32 type tag
	buf.WriteString(name)
	buf.WriteByte(0)
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, uint32(value))
	buf.Write(v)
}

func writeStringElement(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(0x02) // BSON UTF-8 string type tag
	buf.WriteString(name)
	buf.WriteByte(0)
	strLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(strLen, uint32(len(value)+1))
	buf.Write(strLen)
	buf.WriteString(value)
	buf.WriteByte(0)
}

// IsMasterReply is the subset of an isMaster/hello reply document this
// checker cares about.
type IsMasterReply struct {
	OK           bool
	IsPrimary    bool
	ErrMsg       string
	ShuttingDown bool
}

// ReadReply reads one full Wire Protocol frame from r, verifies its
// responseTo correlates with requestID, and extracts the reply document's
// health-relevant fields.
func ReadReply(r io.Reader, requestID int32) (IsMasterReply, error) {
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return IsMasterReply{}, errors.Wrap(err, "read frame header")
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return IsMasterReply{}, err
	}
	if h.responseTo != requestID {
		return IsMasterReply{}, ErrResponseToMismatch
	}

	bodyLen := int(h.length) - headerLen
	if bodyLen < 0 || bodyLen > 16*1024*1024 {
		return IsMasterReply{}, ErrTruncatedFrame
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return IsMasterReply{}, errors.Wrap(err, "read frame body")
	}

	switch h.opCode {
	case opMsg:
		return parseOpMsgReply(body)
	case opReply:
		return parseOpReplyLegacy(body)
	default:
		return IsMasterReply{}, errors.Errorf("unrecognised reply opcode %d", h.opCode)
	}
}

// parseOpMsgReply extracts the body document from an OP_MSG reply. Only the
// default single "body" section (kind 0) is supported, which is what a
// standard isMaster/hello reply uses.
func parseOpMsgReply(body []byte) (IsMasterReply, error) {
	if len(body) < 5 {
		return IsMasterReply{}, ErrTruncatedFrame
	}
	// flagBits(4) + section kind(1) + document
	doc := body[5:]
	fields, err := decodeBSONTopLevel(doc)
	if err != nil {
		return IsMasterReply{}, err
	}
	return interpretFields(fields), nil
}

// parseOpReplyLegacy extracts the body document from a legacy OP_REPLY,
// whose header carries responseFlags(4) + cursorID(8) + startingFrom(4) +
// numberReturned(4) before the single returned document.
func parseOpReplyLegacy(body []byte) (IsMasterReply, error) {
	const legacyReplyHeader = 20
	if len(body) < legacyReplyHeader {
		return IsMasterReply{}, ErrTruncatedFrame
	}
	doc := body[legacyReplyHeader:]
	fields, err := decodeBSONTopLevel(doc)
	if err != nil {
		return IsMasterReply{}, err
	}
	return interpretFields(fields), nil
}

func interpretFields(fields map[string]bsonValue) IsMasterReply {
	reply := IsMasterReply{}
	if v, ok := fields["ok"]; ok {
		reply.OK = v.asFloat() == 1
	}
	if v, ok := fields["ismaster"]; ok {
		reply.IsPrimary = v.asBool()
	} else if v, ok := fields["isWritablePrimary"]; ok {
		reply.IsPrimary = v.asBool()
	}
	if v, ok := fields["errmsg"]; ok {
		reply.ErrMsg = v.str
	}
	if v, ok := fields["isShuttingDown"]; ok {
		reply.ShuttingDown = v.asBool()
	}
	return reply
}

// bsonValue is a minimal tagged union covering the element types that can
// appear in an isMaster/hello reply's top level.
type bsonValue struct {
	kind    byte
	f64     float64
	str     string
	boolean bool
	i32     int32
	i64     int64
}

func (v bsonValue) asFloat() float64 {
	switch v.kind {
	case 0x01:
		return v.f64
	case 0x10:
		return float64(v.i32)
	case 0x12:
		return float64(v.i64)
	}
	return 0
}

func (v bsonValue) asBool() bool {
	switch v.kind {
	case 0x08:
		return v.boolean
	case 0x01, 0x10, 0x12:
		return v.asFloat() != 0
	}
	return false
}

// decodeBSONTopLevel walks a BSON document's top-level elements only; it
// does not recurse into embedded documents or arrays, which the reply
// fields this checker reads never need.
func decodeBSONTopLevel(doc []byte) (map[string]bsonValue, error) {
	if len(doc) < 5 {
		return nil, ErrTruncatedFrame
	}
	declaredLen := int(binary.LittleEndian.Uint32(doc[0:4]))
	if declaredLen > len(doc) {
		return nil, ErrTruncatedFrame
	}

	fields := make(map[string]bsonValue)
	pos := 4
	for pos < declaredLen-1 {
		typeTag := doc[pos]
		pos++
		if typeTag == 0 {
			break
		}
		nameStart := pos
		for pos < len(doc) && doc[pos] != 0 {
			pos++
		}
		if pos >= len(doc) {
			return nil, ErrTruncatedFrame
		}
		name := string(doc[nameStart:pos])
		pos++ // skip name terminator

		value, consumed, err := decodeBSONValue(typeTag, doc[pos:])
		if err != nil {
			return nil, err
		}
		fields[name] = value
		pos += consumed
	}
	return fields, nil
}

func decodeBSONValue(typeTag byte, buf []byte) (bsonValue, int, error) {
	switch typeTag {
	case 0x01: // double
		if len(buf) < 8 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		bits := binary.LittleEndian.Uint64(buf[:8])
		return bsonValue{kind: typeTag, f64: math.Float64frombits(bits)}, 8, nil
	case 0x02: // UTF-8 string
		if len(buf) < 4 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		strLen := int(binary.LittleEndian.Uint32(buf[:4]))
		if strLen < 1 || 4+strLen > len(buf) {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		s := string(buf[4 : 4+strLen-1])
		return bsonValue{kind: typeTag, str: s}, 4 + strLen, nil
	case 0x08: // bool
		if len(buf) < 1 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		return bsonValue{kind: typeTag, boolean: buf[0] != 0}, 1, nil
	case 0x0A: // null
		return bsonValue{kind: typeTag}, 0, nil
	case 0x10: // int32
		if len(buf) < 4 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		return bsonValue{kind: typeTag, i32: int32(binary.LittleEndian.Uint32(buf[:4]))}, 4, nil
	case 0x12: // int64
		if len(buf) < 8 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		return bsonValue{kind: typeTag, i64: int64(binary.LittleEndian.Uint64(buf[:8]))}, 8, nil
	case 0x03, 0x04: // embedded document / array: skip via its own length prefix
		if len(buf) < 4 {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		l := int(binary.LittleEndian.Uint32(buf[:4]))
		if l < 4 || l > len(buf) {
			return bsonValue{}, 0, ErrTruncatedFrame
		}
		return bsonValue{kind: typeTag}, l, nil
	default:
		return bsonValue{}, 0, errors.Errorf("unsupported bson element type 0x%02x", typeTag)
	}
}
