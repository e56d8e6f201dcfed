package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/cookie"
	"github.com/cachemir/kvdaemon/pkg/engine"
	"github.com/cachemir/kvdaemon/pkg/engine/memengine"
)

type fakeOwner struct {
	features map[binprot.Feature]bool
	dcp      bool
	stream   engine.StreamHandle
}

func (fakeOwner) Vbucket() uint16 { return 0 }

func (o *fakeOwner) SetFeatures(features map[binprot.Feature]bool) { o.features = features }

func (o *fakeOwner) EnterDCP(handle engine.StreamHandle) {
	o.dcp = true
	o.stream = handle
}

func (o *fakeOwner) StreamHandle() engine.StreamHandle { return o.stream }

func packet(opcode binprot.Opcode, keyLen, extLen int, body []byte) *cookie.Cookie {
	c, _ := packetWithOwner(opcode, keyLen, extLen, body)
	return c
}

func packetWithOwner(opcode binprot.Opcode, keyLen, extLen int, body []byte) (*cookie.Cookie, *fakeOwner) {
	owner := &fakeOwner{}
	c := cookie.New(owner)
	c.Header = binprot.Header{
		Magic:   binprot.MagicClientRequest,
		Opcode:  opcode,
		KeyLen:  uint16(keyLen),
		ExtLen:  uint8(extLen),
		BodyLen: uint32(len(body)),
	}
	c.Body = body
	return c, owner
}

func TestNoopReturnsSuccess(t *testing.T) {
	table := New()
	ex, ok := table.Lookup(binprot.OpNoop)
	require.True(t, ok)

	c := packet(binprot.OpNoop, 0, 0, nil)
	state := ex(context.Background(), memengine.New(), c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, c.ResponseStatus)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()
	ctx := context.Background()

	extras := make([]byte, 8) // flags=0, expiry=0
	body := append(append([]byte{}, extras...), append([]byte("k"), "hello"...)...)
	setEx, _ := table.Lookup(binprot.OpSet)
	setCookie := packet(binprot.OpSet, 1, 8, body)
	state := setEx(ctx, eng, setCookie)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, setCookie.ResponseStatus)

	getEx, _ := table.Lookup(binprot.OpGet)
	getCookie := packet(binprot.OpGet, 1, 0, []byte("k"))
	state = getEx(ctx, eng, getCookie)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, getCookie.ResponseStatus)
	require.Equal(t, []byte{0, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, getCookie.Response, "4-byte flags extras, then the value")
}

func TestGetMissingKeyReturnsKeyEnoent(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()

	getEx, _ := table.Lookup(binprot.OpGet)
	c := packet(binprot.OpGet, 1, 0, []byte("missing"))
	state := getEx(context.Background(), eng, c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusKeyENOENT, c.ResponseStatus)
}

func TestDeleteRoundTrip(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()
	ctx := context.Background()

	_, _, _ = eng.Store(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v")})

	delEx, _ := table.Lookup(binprot.OpDelete)
	c := packet(binprot.OpDelete, 1, 0, []byte("k"))
	state := delEx(ctx, eng, c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, c.ResponseStatus)
}

func TestHelloNegotiatesOnlySupportedFeatures(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()

	body := make([]byte, 4)
	body[1] = byte(binprot.FeatureXERROR)
	body[3] = 0xFF // an unsupported/unrecognised feature id

	helloEx, _ := table.Lookup(binprot.OpHello)
	c, owner := packetWithOwner(binprot.OpHello, 0, 0, body)
	state := helloEx(context.Background(), eng, c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, []byte{0x00, byte(binprot.FeatureXERROR)}, c.Response)

	require.True(t, owner.features[binprot.FeatureXERROR])
	require.False(t, owner.features[binprot.Feature(0xFF)])
}

func TestDcpOpenPersistsStreamHandleOnOwner(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()

	ext := make([]byte, 8)
	dcpOpenEx, ok := table.Lookup(binprot.OpDcpOpen)
	require.True(t, ok)

	c, owner := packetWithOwner(binprot.OpDcpOpen, 0, len(ext), append(ext, "my-stream"...))
	state := dcpOpenEx(context.Background(), eng, c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, c.ResponseStatus)

	require.True(t, owner.dcp)
	require.Equal(t, owner.stream, c.StreamHandle())
	require.NotZero(t, owner.stream)
}

func TestUnsupportedStubReturnsNotSupported(t *testing.T) {
	table := New()
	eng := memengine.New()
	defer eng.Close()

	ex, ok := table.Lookup(binprot.OpSASLListMechs)
	require.True(t, ok)

	c := packet(binprot.OpSASLListMechs, 0, 0, nil)
	state := ex(context.Background(), eng, c)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusNotSupported, c.ResponseStatus)
}
