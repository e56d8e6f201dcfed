package conn

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
	"github.com/cachemir/kvdaemon/pkg/dispatch"
	"github.com/cachemir/kvdaemon/pkg/engine/memengine"
)

// fakeSocket feeds reads from a queue of chunks (each either data or a
// would-block marker) and records everything written to it.
type fakeSocket struct {
	chunks  [][]byte // nil chunk means "return ErrWouldBlock once"
	written bytes.Buffer
	closed  bool
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, ErrWouldBlock
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	if next == nil {
		return 0, ErrWouldBlock
	}
	n := copy(p, next)
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	return s.written.Write(p)
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func newTestConnection(sock *fakeSocket) *Connection {
	return New(Config{
		Socket:          sock,
		Engine:          memengine.New(),
		Dispatch:        dispatch.New(),
		BufPool:         bufpool.New(),
		MaxReqsPerEvent: 20,
	})
}

func noopRequest(opaque uint32) []byte {
	return binprot.EncodeHeader(binprot.Header{
		Magic:  binprot.MagicClientRequest,
		Opcode: binprot.OpNoop,
		Opaque: opaque,
	})
}

// runSteps drives the state machine through n Run calls. Each Run call
// corresponds to one reactor wakeup: a call that only arms readiness
// (e.g. new_cmd → waiting) returns without performing I/O, so a full
// request/response round trip takes two wakeups — one to arm, one to
// actually read and execute.
func runSteps(c *Connection, n int) Registration {
	var reg Registration
	for i := 0; i < n; i++ {
		reg = c.Run(context.Background())
	}
	return reg
}

func TestNoopRoundTrip(t *testing.T) {
	sock := &fakeSocket{chunks: [][]byte{noopRequest(7)}}
	c := newTestConnection(sock)

	reg := runSteps(c, 2)
	require.True(t, reg.Read, "expects to re-arm for the next command's header")
	require.Equal(t, StateReadPacketHeader, c.state)

	hdr, err := binprot.DecodeHeader(sock.written.Bytes()[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, binprot.MagicClientResponse, hdr.Magic)
	require.Equal(t, binprot.Status(binprot.StatusSuccess), hdr.Status())
	require.Equal(t, uint32(7), hdr.Opaque)
}

func TestHeaderArrivingAcrossTwoReads(t *testing.T) {
	full := noopRequest(1)
	sock := &fakeSocket{chunks: [][]byte{full[:10], full[10:]}}
	c := newTestConnection(sock)

	// Wakeup 1: new_cmd → waiting (arm only). Wakeup 2: waiting →
	// read_packet_header, reads the first 10 bytes, not enough for a
	// full header yet, re-arms read readiness.
	reg := runSteps(c, 2)
	require.True(t, reg.Read)
	require.Equal(t, StateWaiting, c.state)
	require.Zero(t, sock.written.Len(), "header incomplete, no response yet")

	// Wakeup 3: waiting → read_packet_header (arm only, no I/O yet).
	// Wakeup 4: read_packet_header reads the remaining 14 bytes,
	// completing the header and running the command to completion.
	reg = runSteps(c, 2)
	require.True(t, reg.Read)
	require.NotZero(t, sock.written.Len(), "second read completes the header, command executes")
}

func TestGetMissingKeyWithoutXerrorRespondsNormally(t *testing.T) {
	body := []byte("missing")
	req := binprot.EncodeHeader(binprot.Header{
		Magic:   binprot.MagicClientRequest,
		Opcode:  binprot.OpGet,
		KeyLen:  uint16(len(body)),
		BodyLen: uint32(len(body)),
	})
	req = append(req, body...)

	sock := &fakeSocket{chunks: [][]byte{req}}
	c := newTestConnection(sock)
	runSteps(c, 2)

	hdr, err := binprot.DecodeHeader(sock.written.Bytes()[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, binprot.StatusKeyENOENT, hdr.Status())
	require.False(t, sock.closed, "KeyENOENT does not require XERROR, no disconnect")
}

func TestHelloPersistsNegotiatedFeaturesOnConnection(t *testing.T) {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(binprot.FeatureXERROR))
	req := binprot.EncodeHeader(binprot.Header{
		Magic:   binprot.MagicClientRequest,
		Opcode:  binprot.OpHello,
		BodyLen: uint32(len(body)),
	})
	req = append(req, body...)

	sock := &fakeSocket{chunks: [][]byte{req}}
	c := newTestConnection(sock)
	runSteps(c, 2)

	require.True(t, c.Features[binprot.FeatureXERROR], "HELLO must persist the negotiated feature set on the connection, not just the cookie")

	// A later command's XERROR-only status must now be allowed rather
	// than disconnecting, proving remapResponseStatus reads what HELLO
	// actually wrote.
	c.Cookie.ResponseStatus = binprot.StatusLocked
	c.remapResponseStatus()
	require.NotEqual(t, StateClosing, c.state)
}

func TestRemapResponseStatusDisconnectsXerrorOnlyStatusWithoutNegotiation(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Cookie.ResponseStatus = binprot.StatusLocked

	c.remapResponseStatus()

	require.Equal(t, StateClosing, c.state)
	require.True(t, c.pendingDisconnect)
}

func TestRemapResponseStatusAllowsXerrorOnlyStatusWhenNegotiated(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Features[binprot.FeatureXERROR] = true
	c.Cookie.ResponseStatus = binprot.StatusLocked

	c.remapResponseStatus()

	require.NotEqual(t, StateClosing, c.state)
}

func TestExecuteRespondsDirectlyWhenResumingPendingAsyncStatus(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConnection(sock)

	req := noopRequest(9)
	c.ReadPipe.EnsureCapacity(len(req))
	n := copy(c.ReadPipe.Wdata(), req)
	c.ReadPipe.Produce(n)
	hdr, err := binprot.DecodeHeader(req[:binprot.HeaderSize])
	require.NoError(t, err)
	c.Cookie.Header = hdr

	// Simulates Resume() being called after an engine's NotifyFunc
	// delivered a would-block completion: the executor must not run
	// again, and the status comes from the async result, not from
	// executeNoop's usual StatusSuccess.
	c.Cookie.SetAiostat(binprot.StatusETEMPFAIL)

	reg, yield := c.execute(context.Background())
	require.False(t, yield)
	require.False(t, reg.Suspended)
	require.Equal(t, binprot.StatusETEMPFAIL, c.Cookie.ResponseStatus)
	require.False(t, c.Cookie.Async.Pending, "aiostat must be read and cleared as the executor contract's first step")
}

func TestSetThenGetAcrossTwoCommands(t *testing.T) {
	extras := make([]byte, 8)
	keyVal := append([]byte("k"), "v1"...)
	setBody := append(extras, keyVal...)
	setReq := binprot.EncodeHeader(binprot.Header{
		Magic:   binprot.MagicClientRequest,
		Opcode:  binprot.OpSet,
		KeyLen:  1,
		ExtLen:  8,
		BodyLen: uint32(len(setBody)),
	})
	setReq = append(setReq, setBody...)

	getReq := binprot.EncodeHeader(binprot.Header{
		Magic:   binprot.MagicClientRequest,
		Opcode:  binprot.OpGet,
		KeyLen:  1,
		BodyLen: 1,
	})
	getReq = append(getReq, []byte("k")...)

	sock := &fakeSocket{chunks: [][]byte{append(setReq, getReq...)}}
	c := newTestConnection(sock)

	// Both frames arrive in a single socket read; the state machine
	// pipelines straight from SET's send_data back through new_cmd into
	// GET without waiting for another wakeup, so two Run calls (one to
	// arm, one to read+execute both buffered commands) drain both.
	runSteps(c, 2)

	written := sock.written.Bytes()
	setHdr, err := binprot.DecodeHeader(written[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, binprot.StatusSuccess, setHdr.Status())

	getFrameStart := binprot.HeaderSize + int(setHdr.BodyLen)
	getHdr, err := binprot.DecodeHeader(written[getFrameStart : getFrameStart+binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, binprot.StatusSuccess, getHdr.Status())
	require.Equal(t, []byte("v1"), written[getFrameStart+binprot.HeaderSize+int(getHdr.ExtLen):getFrameStart+binprot.HeaderSize+int(getHdr.BodyLen)])
}
