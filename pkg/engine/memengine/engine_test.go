package memengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

func TestStoreGetRoundTrip(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	item := &engine.Item{Key: "greeting", Vbucket: 0, Value: []byte("hello")}
	cas, status, state := e.Store(ctx, item)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, status)
	require.NotZero(t, cas)

	got, status, state := e.Get(ctx, 0, "greeting")
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusSuccess, status)
	require.Equal(t, []byte("hello"), got.Value)
	require.Equal(t, cas, got.CAS)
}

func TestGetMissingKeyReturnsKeyEnoent(t *testing.T) {
	e := New()
	defer e.Close()

	_, status, state := e.Get(context.Background(), 0, "nope")
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, binprot.StatusKeyENOENT, status)
}

func TestStoreAddFailsWhenKeyExists(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	item := &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v1")}
	_, status, _ := e.StoreIf(ctx, item, 0, engine.StoreAdd)
	require.Equal(t, binprot.StatusSuccess, status)

	_, status, _ = e.StoreIf(ctx, item, 0, engine.StoreAdd)
	require.Equal(t, binprot.StatusKeyEEXISTS, status)
}

func TestStoreReplaceFailsWhenKeyMissing(t *testing.T) {
	e := New()
	defer e.Close()

	item := &engine.Item{Key: "absent", Vbucket: 0, Value: []byte("v")}
	_, status, _ := e.StoreIf(context.Background(), item, 0, engine.StoreReplace)
	require.Equal(t, binprot.StatusKeyENOENT, status)
}

func TestStoreCASMismatchReturnsKeyEexists(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	item := &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v1")}
	cas, _, _ := e.Store(ctx, item)

	_, status, _ := e.StoreIf(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v2")}, cas+1, engine.StoreSet)
	require.Equal(t, binprot.StatusKeyEEXISTS, status)
}

func TestAppendPrependConcatenateValue(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	_, _, _ = e.Store(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("mid")})
	_, status, _ := e.StoreIf(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("pre-")}, 0, engine.StorePrepend)
	require.Equal(t, binprot.StatusSuccess, status)
	_, status, _ = e.StoreIf(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("-post")}, 0, engine.StoreAppend)
	require.Equal(t, binprot.StatusSuccess, status)

	got, _, _ := e.Get(ctx, 0, "k")
	require.Equal(t, []byte("pre-mid-post"), got.Value)
}

func TestGetLockedThenUnlock(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	_, _, _ = e.Store(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v")})

	locked, status, _ := e.GetLocked(ctx, 0, "k", 15)
	require.Equal(t, binprot.StatusSuccess, status)

	_, status, _ = e.GetLocked(ctx, 0, "k", 15)
	require.Equal(t, binprot.StatusLocked, status)

	status, _ = e.Unlock(ctx, 0, "k", locked.CAS)
	require.Equal(t, binprot.StatusSuccess, status)

	_, status, _ = e.GetLocked(ctx, 0, "k", 15)
	require.Equal(t, binprot.StatusSuccess, status)
}

func TestRemoveRespectsCAS(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	cas, _, _ := e.Store(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v")})

	status, _ := e.Remove(ctx, 0, "k", cas+1)
	require.Equal(t, binprot.StatusKeyEEXISTS, status)

	status, _ = e.Remove(ctx, 0, "k", cas)
	require.Equal(t, binprot.StatusSuccess, status)

	_, status, _ = e.Get(ctx, 0, "k")
	require.Equal(t, binprot.StatusKeyENOENT, status)
}

func TestFlushClearsAllVbuckets(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	_, _, _ = e.Store(ctx, &engine.Item{Key: "a", Vbucket: 0, Value: []byte("1")})
	_, _, _ = e.Store(ctx, &engine.Item{Key: "b", Vbucket: 1, Value: []byte("2")})

	status, _ := e.Flush(ctx)
	require.Equal(t, binprot.StatusSuccess, status)

	_, status, _ = e.Get(ctx, 0, "a")
	require.Equal(t, binprot.StatusKeyENOENT, status)
	_, status, _ = e.Get(ctx, 1, "b")
	require.Equal(t, binprot.StatusKeyENOENT, status)
}

func TestDcpStreamProducesMutationsForSubscribedVbucketOnly(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	handle, status, _ := e.DcpOpen(ctx, "replica-1", 0)
	require.Equal(t, binprot.StatusSuccess, status)

	status, _ = e.DcpAddStream(ctx, handle, 0, 0)
	require.Equal(t, binprot.StatusSuccess, status)

	_, _, _ = e.Store(ctx, &engine.Item{Key: "in-scope", Vbucket: 0, Value: []byte("v")})
	_, _, _ = e.Store(ctx, &engine.Item{Key: "out-of-scope", Vbucket: 1, Value: []byte("v")})

	msg, state := e.ProduceNext(ctx, handle)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, engine.DcpMessageMutation, msg.Type)
	require.Equal(t, "in-scope", msg.Key)

	_, state = e.ProduceNext(ctx, handle)
	require.Equal(t, engine.StateWouldBlock, state)
}

func TestSetNotifierWakesBlockedStreamOnNewMutation(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	handle, _, _ := e.DcpOpen(ctx, "replica-1", 0)
	_, _ = e.DcpAddStream(ctx, handle, 0, 0)

	woke := make(chan binprot.Status, 1)
	e.SetNotifier(uint64(handle), func(id uint64, status binprot.Status) {
		woke <- status
	})

	_, state := e.ProduceNext(ctx, handle)
	require.Equal(t, engine.StateWouldBlock, state)

	_, _, _ = e.Store(ctx, &engine.Item{Key: "k", Vbucket: 0, Value: []byte("v")})

	select {
	case status := <-woke:
		require.Equal(t, binprot.StatusSuccess, status)
	default:
		t.Fatal("expected notifier to fire after matching mutation")
	}

	msg, state := e.ProduceNext(ctx, handle)
	require.Equal(t, engine.StateDone, state)
	require.Equal(t, "k", msg.Key)
}
