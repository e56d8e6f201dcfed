// Package binprot implements the Couchbase/memcached binary protocol frame
// codec: the 24-byte header, magic/opcode/status constants, and the
// datatype bits carried in every request and response.
//
// Wire format (big-endian, bit-exact):
//
//	byte 0:     magic
//	byte 1:     opcode
//	bytes 2-3:  key length
//	byte 4:     extras length
//	byte 5:     datatype
//	bytes 6-7:  vbucket id (request) or status (response)
//	bytes 8-11: body length (extras + key + value)
//	bytes 12-15: opaque
//	bytes 16-23: CAS
//
// Body layout is extras, then key, then value, with lengths taken from the
// header. A frame is available to parse only once the full header and body
// have arrived; HeaderSize and Header.BodyLen give the caller everything
// needed to know how many more bytes to wait for.
package binprot

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of every binary protocol frame header.
const HeaderSize = 24

// Magic identifies which of the four frame kinds a header describes.
type Magic uint8

// Magic values as specified by the wire protocol.
const (
	MagicClientRequest  Magic = 0x80
	MagicClientResponse Magic = 0x81
	MagicServerRequest  Magic = 0x82
	MagicServerResponse Magic = 0x83
)

func (m Magic) String() string {
	switch m {
	case MagicClientRequest:
		return "ClientRequest"
	case MagicClientResponse:
		return "ClientResponse"
	case MagicServerRequest:
		return "ServerRequest"
	case MagicServerResponse:
		return "ServerResponse"
	default:
		return fmt.Sprintf("Magic(0x%02x)", uint8(m))
	}
}

// IsRequest reports whether the magic denotes a request frame, from either
// the client or the server (DCP control messages flow both ways).
func (m Magic) IsRequest() bool {
	return m == MagicClientRequest || m == MagicServerRequest
}

// Valid reports whether m is one of the four recognised magic values.
func (m Magic) Valid() bool {
	switch m {
	case MagicClientRequest, MagicClientResponse, MagicServerRequest, MagicServerResponse:
		return true
	default:
		return false
	}
}

// Datatype bits describe how the body's value is encoded.
type Datatype uint8

// Datatype bit values.
const (
	DatatypeRaw    Datatype = 0x00
	DatatypeJSON   Datatype = 0x01
	DatatypeSnappy Datatype = 0x02
	DatatypeXattr  Datatype = 0x04
)

// Header is the decoded, fixed-size 24-byte binary protocol frame header.
// VbucketOrStatus holds the vbucket id for a request and the Status for a
// response; callers interpret it according to Magic.
type Header struct {
	Magic           Magic
	Opcode          Opcode
	KeyLen          uint16
	ExtLen          uint8
	Datatype        Datatype
	VbucketOrStatus uint16
	BodyLen         uint32
	Opaque          uint32
	CAS             uint64
}

// Status returns VbucketOrStatus reinterpreted as a response Status. Only
// meaningful when Magic is a response magic.
func (h Header) Status() Status { return Status(h.VbucketOrStatus) }

// Vbucket returns VbucketOrStatus reinterpreted as a vbucket id. Only
// meaningful when Magic is a request magic.
func (h Header) Vbucket() uint16 { return h.VbucketOrStatus }

// ValueLen returns the length of the value portion of the body: whatever
// remains of BodyLen after extras and key.
func (h Header) ValueLen() int {
	return int(h.BodyLen) - int(h.ExtLen) - int(h.KeyLen)
}

// ProtocolError reports a framing-level violation: an unrecognised magic or
// a header whose declared lengths cannot possibly be satisfied (key+extras
// exceeding body length, for instance). It is always fatal to the
// connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("binprot: protocol error: %s", e.Reason)
}

// DecodeHeader parses a 24-byte buffer into a Header. The caller must
// ensure len(buf) >= HeaderSize; DecodeHeader panics otherwise, since that
// is a programming invariant violation (the state machine only calls this
// once it has confirmed HeaderSize bytes are buffered).
func DecodeHeader(buf []byte) (Header, error) {
	_ = buf[HeaderSize-1] // bounds-check hint; panics if buf is short

	h := Header{
		Magic:           Magic(buf[0]),
		Opcode:          Opcode(buf[1]),
		KeyLen:          binary.BigEndian.Uint16(buf[2:4]),
		ExtLen:          buf[4],
		Datatype:        Datatype(buf[5]),
		VbucketOrStatus: binary.BigEndian.Uint16(buf[6:8]),
		BodyLen:         binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		CAS:             binary.BigEndian.Uint64(buf[16:24]),
	}

	if !h.Magic.Valid() {
		return Header{}, &ProtocolError{Reason: fmt.Sprintf("unknown magic 0x%02x", buf[0])}
	}
	if int(h.ExtLen)+int(h.KeyLen) > int(h.BodyLen) {
		return Header{}, &ProtocolError{Reason: "extras+key length exceeds body length"}
	}
	return h, nil
}

// EncodeHeader serialises h into a fresh 24-byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	EncodeHeaderInto(buf, h)
	return buf
}

// EncodeHeaderInto serialises h into buf, which must be at least
// HeaderSize bytes.
func EncodeHeaderInto(buf []byte, h Header) {
	_ = buf[HeaderSize-1]

	buf[0] = byte(h.Magic)
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	buf[4] = h.ExtLen
	buf[5] = byte(h.Datatype)
	binary.BigEndian.PutUint16(buf[6:8], h.VbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
}

// Available reports whether rdata (the unread region of a connection's
// read pipe) contains at least one complete frame: a full header, and a
// full body of the length that header declares.
func Available(rdata []byte) bool {
	if len(rdata) < HeaderSize {
		return false
	}
	bodyLen := binary.BigEndian.Uint32(rdata[8:12])
	return uint32(len(rdata)-HeaderSize) >= bodyLen
}
