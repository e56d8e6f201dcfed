package conn

import (
	"context"
	"fmt"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

// oversizedThreshold is the frame size past which stageResponseFrame
// routes bytes through Oversized instead of growing WritePipe.
const oversizedThreshold = 16 * 1024

// stageResponseFrame implements spec.md §4.6's sendResponse contract: it
// asserts the write pipe is empty, substitutes an error body for
// non-success statuses (except NotMyVbucket, whose map is returned by an
// out-of-scope mechanism), and writes the 24-byte header followed by the
// body into the write pipe.
func (c *Connection) stageResponseFrame() {
	if !c.WritePipe.Empty() {
		panic("conn: sendResponse called with a non-empty write pipe")
	}

	status := c.Cookie.ResponseStatus
	body := c.Cookie.Response
	datatype := c.Cookie.Header.Datatype
	extLen := c.Cookie.RespExtLen
	keyLen := c.Cookie.RespKeyLen

	if status != binprot.StatusSuccess && status != binprot.StatusNotMyVbucket {
		body = c.errorBody()
		datatype = binprot.DatatypeRaw
		extLen, keyLen = 0, 0
		if len(body) > 0 {
			datatype = binprot.DatatypeJSON
		}
	}

	hdr := binprot.Header{
		Magic:           binprot.MagicClientResponse,
		Opcode:          c.Cookie.Header.Opcode,
		KeyLen:          keyLen,
		ExtLen:          extLen,
		Datatype:        datatype,
		VbucketOrStatus: uint16(status),
		BodyLen:         uint32(len(body)),
		Opaque:          c.Cookie.Header.Opaque,
		CAS:             c.Cookie.CAS,
	}

	if c.Oversized != nil && binprot.HeaderSize+len(body) > oversizedThreshold {
		if c.stageOversizedResponse(hdr, body) {
			return
		}
	}

	c.WritePipe.EnsureCapacity(binprot.HeaderSize + len(body))
	binprot.EncodeHeaderInto(c.WritePipe.Wdata()[:binprot.HeaderSize], hdr)
	c.WritePipe.Produce(binprot.HeaderSize)
	n := copy(c.WritePipe.Wdata(), body)
	c.WritePipe.Produce(n)
}

// stageOversizedResponse builds the frame into a pooled scratch buffer
// instead of WritePipe, reporting whether it succeeded; a pool exhausted
// of buffers (Acquire failing, e.g. its context was already done) falls
// back to the ordinary WritePipe path rather than losing the response.
func (c *Connection) stageOversizedResponse(hdr binprot.Header, body []byte) bool {
	buf, release, err := c.Oversized.Acquire(context.Background())
	if err != nil {
		return false
	}
	hdrBuf := make([]byte, binprot.HeaderSize)
	binprot.EncodeHeaderInto(hdrBuf, hdr)
	buf.Write(hdrBuf)
	buf.Write(body)
	c.oversizedBuf = buf
	c.oversizedRelease = release
	return true
}

// errorBody builds the `{"error":{"context":"…","ref":"…"}}` JSON body
// spec.md §4.6 describes, omitting either field if empty and returning
// nil if both are empty (a bare status code needs no body).
func (c *Connection) errorBody() []byte {
	if c.Cookie.ErrorContext == "" && c.Cookie.EventID == "" {
		return nil
	}
	switch {
	case c.Cookie.ErrorContext != "" && c.Cookie.EventID != "":
		return []byte(fmt.Sprintf(`{"error":{"context":"%s","ref":"%s"}}`, c.Cookie.ErrorContext, c.Cookie.EventID))
	case c.Cookie.ErrorContext != "":
		return []byte(fmt.Sprintf(`{"error":{"context":"%s"}}`, c.Cookie.ErrorContext))
	default:
		return []byte(fmt.Sprintf(`{"error":{"ref":"%s"}}`, c.Cookie.EventID))
	}
}

// stageDcpMessage frames an outbound change-feed message the same way a
// response is framed, per spec.md §4.7: mutation/deletion/expiration use
// the DCP opcodes as server-requests, with any referenced Item placed on
// the reserved-item list for release once the write completes.
func (c *Connection) stageDcpMessage(msg *engine.DcpMessage) {
	var opcode binprot.Opcode
	var key, value []byte
	var datatype binprot.Datatype

	switch msg.Type {
	case engine.DcpMessageMutation:
		opcode = binprot.OpDcpMutation
		key = []byte(msg.Key)
		if msg.Item != nil {
			value = msg.Item.Value
			datatype = msg.Item.Datatype
			c.ReservedItems = append(c.ReservedItems, msg.Item)
		}
	case engine.DcpMessageDeletion:
		opcode = binprot.OpDcpDeletion
		key = []byte(msg.Key)
	case engine.DcpMessageExpiration:
		opcode = binprot.OpDcpExpiration
		key = []byte(msg.Key)
	case engine.DcpMessageSnapshotMarker:
		opcode = binprot.OpDcpSnapshotMarker
	case engine.DcpMessageStreamEnd:
		opcode = binprot.OpDcpStreamEnd
	}

	hdr := binprot.Header{
		Magic:           binprot.MagicServerRequest,
		Opcode:          opcode,
		KeyLen:          uint16(len(key)),
		Datatype:        datatype,
		VbucketOrStatus: msg.Vbucket,
		BodyLen:         uint32(len(key) + len(value)),
		CAS:             msg.Seqno,
	}

	if c.WritePipe.Empty() {
		c.WritePipe.EnsureCapacity(binprot.HeaderSize + len(key) + len(value))
		binprot.EncodeHeaderInto(c.WritePipe.Wdata()[:binprot.HeaderSize], hdr)
		c.WritePipe.Produce(binprot.HeaderSize)
		n := copy(c.WritePipe.Wdata(), key)
		c.WritePipe.Produce(n)
		n = copy(c.WritePipe.Wdata(), value)
		c.WritePipe.Produce(n)
	}
}
