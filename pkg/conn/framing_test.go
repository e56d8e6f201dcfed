package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
)

func TestStageResponseFrameStampsExtAndKeyLengths(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Cookie.Header = binprot.Header{Magic: binprot.MagicClientRequest, Opcode: binprot.OpGetK, Opaque: 5}
	c.Cookie.SendResponseWithBody(binprot.StatusSuccess, []byte{0, 0, 0, 1}, []byte("k"), []byte("val"), binprot.DatatypeRaw, 42)

	c.stageResponseFrame()

	hdr, err := binprot.DecodeHeader(c.WritePipe.Rdata()[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, uint8(4), hdr.ExtLen)
	require.Equal(t, uint16(1), hdr.KeyLen)
	require.Equal(t, uint32(4+1+3), hdr.BodyLen)

	body := c.WritePipe.Rdata()[binprot.HeaderSize:]
	require.Equal(t, []byte{0, 0, 0, 1}, body[:hdr.ExtLen])
	require.Equal(t, []byte("k"), body[hdr.ExtLen:int(hdr.ExtLen)+int(hdr.KeyLen)])
	require.Equal(t, []byte("val"), body[int(hdr.ExtLen)+int(hdr.KeyLen):hdr.BodyLen])
}

func TestStageResponseFrameErrorBodyDropsExtAndKeyLengths(t *testing.T) {
	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Cookie.Header = binprot.Header{Magic: binprot.MagicClientRequest, Opcode: binprot.OpGet}
	c.Cookie.SendResponseWithBody(binprot.StatusSuccess, []byte{0, 0, 0, 1}, []byte("k"), []byte("val"), binprot.DatatypeRaw, 0)
	c.Cookie.ResponseStatus = binprot.StatusKeyENOENT

	c.stageResponseFrame()

	hdr, err := binprot.DecodeHeader(c.WritePipe.Rdata()[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Zero(t, hdr.ExtLen)
	require.Zero(t, hdr.KeyLen)
}

func TestStageResponseFrameRoutesLargeBodyThroughOversizedPool(t *testing.T) {
	oversized, err := bufpool.NewOversizedPool(1024, 2)
	require.NoError(t, err)
	defer oversized.Close()

	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Oversized = oversized
	c.Cookie.Header = binprot.Header{Magic: binprot.MagicClientRequest, Opcode: binprot.OpGet}

	big := make([]byte, oversizedThreshold+1)
	for i := range big {
		big[i] = byte(i)
	}
	c.Cookie.SendResponseWithBody(binprot.StatusSuccess, nil, nil, big, binprot.DatatypeRaw, 0)

	c.stageResponseFrame()

	require.True(t, c.WritePipe.Empty(), "large body bypasses WritePipe entirely")
	require.NotNil(t, c.oversizedBuf)
	// The pool's Close waits for every acquired buffer, so hand this one
	// back before the deferred Close runs.
	defer c.oversizedRelease()

	hdr, err := binprot.DecodeHeader(c.oversizedBuf.Bytes()[:binprot.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, uint32(len(big)), hdr.BodyLen)
	require.Equal(t, big, c.oversizedBuf.Bytes()[binprot.HeaderSize:])
}

func TestSendOversizedDrainsAndReleases(t *testing.T) {
	oversized, err := bufpool.NewOversizedPool(1024, 1)
	require.NoError(t, err)
	defer oversized.Close()

	sock := &fakeSocket{}
	c := newTestConnection(sock)
	c.Oversized = oversized
	c.Cookie.Header = binprot.Header{Magic: binprot.MagicClientRequest, Opcode: binprot.OpGet}
	c.writeAndGo = StateNewCmd

	big := make([]byte, oversizedThreshold+1)
	c.Cookie.SendResponseWithBody(binprot.StatusSuccess, nil, nil, big, binprot.DatatypeRaw, 0)
	c.stageResponseFrame()
	c.state = StateSendData

	reg, yield := c.sendData()
	require.False(t, yield)
	require.Equal(t, Registration{}, reg)
	require.Equal(t, StateNewCmd, c.state)
	require.Nil(t, c.oversizedBuf, "buffer released back to the pool once drained")
	require.Equal(t, binprot.HeaderSize+len(big), sock.written.Len())
}
