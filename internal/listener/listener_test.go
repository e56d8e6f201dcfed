package listener

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	submitted []net.Conn
}

func (f *fakeSink) Submit(c net.Conn) { f.submitted = append(f.submitted, c) }

type closeOnlyConn struct{ net.Conn }

func TestDispatchRoundRobinsAcrossWorkers(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	l := New("127.0.0.1:0", []Sink{a, b}, nil)

	conns := make([]net.Conn, 4)
	for i := range conns {
		conns[i] = closeOnlyConn{}
	}
	for _, c := range conns {
		l.dispatch(c)
	}

	require.Len(t, a.submitted, 2)
	require.Len(t, b.submitted, 2)
}

func TestDispatchWithNoWorkersClosesConnection(t *testing.T) {
	l := New("127.0.0.1:0", nil, nil)
	server, client := net.Pipe()
	defer client.Close()

	l.dispatch(server)

	// server should now be closed; a write on the peer eventually errors,
	// but net.Pipe's synchronous nature means Close unblocks any pending
	// I/O immediately rather than returning an error from dispatch itself.
	_, err := server.Write([]byte("x"))
	require.Error(t, err)
}
