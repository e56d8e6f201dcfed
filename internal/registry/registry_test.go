package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
	"github.com/cachemir/kvdaemon/pkg/conn"
	"github.com/cachemir/kvdaemon/pkg/dispatch"
)

type fakeSocket struct{}

func (fakeSocket) Read([]byte) (int, error)  { return 0, nil }
func (fakeSocket) Write([]byte) (int, error) { return 0, nil }
func (fakeSocket) Close() error              { return nil }

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	return conn.New(conn.Config{
		Socket:          fakeSocket{},
		Dispatch:        dispatch.New(),
		BufPool:         bufpool.New(),
		MaxReqsPerEvent: 10,
		SLA:             map[binprot.Opcode]time.Duration{},
	})
}

func TestAddRemoveTracksCount(t *testing.T) {
	r := New()
	require.Equal(t, 0, r.Count())

	c := newTestConn(t)
	r.Add(c)
	require.Equal(t, 1, r.Count())

	r.Remove(c)
	require.Equal(t, 0, r.Count())
}

func TestEachVisitsEveryTrackedConnection(t *testing.T) {
	r := New()
	a := newTestConn(t)
	b := newTestConn(t)
	r.Add(a)
	r.Add(b)

	seen := map[*conn.Connection]bool{}
	r.Each(func(c *conn.Connection) { seen[c] = true })

	require.True(t, seen[a])
	require.True(t, seen[b])
	require.Len(t, seen, 2)
}
