package bufpool

import (
	"bytes"
	"context"

	"github.com/jackc/puddle/v2"
)

// OversizedPool hands out reusable *bytes.Buffer instances sized for
// response values that exceed the Pipe Buffer's default capacity.
// Ordinary responses are framed directly into a connection's loaned write
// Pipe (spec.md §4.6); a response whose frame (header plus body) is larger
// than pkg/conn's oversized threshold is built here instead, so that large
// GET/DCP-mutation bodies don't force every connection's write pipe to
// grow and stay grown.
//
// This supplements spec.md, which is silent on oversized values, and is
// grounded on github.com/jackc/puddle/v2 the way pior-memcache's
// puddlePool wraps it for connection pooling: a Constructor/Destructor
// pair and a MaxSize cap, here applied to scratch buffers instead of
// network connections.
type OversizedPool struct {
	pool *puddle.Pool[*bytes.Buffer]
}

// NewOversizedPool creates a pool of scratch buffers, each constructed
// with the given initial capacity, capped at maxBuffers concurrently live
// buffers.
func NewOversizedPool(initialCapacity int, maxBuffers int32) (*OversizedPool, error) {
	cfg := &puddle.Config[*bytes.Buffer]{
		Constructor: func(_ context.Context) (*bytes.Buffer, error) {
			return bytes.NewBuffer(make([]byte, 0, initialCapacity)), nil
		},
		Destructor: func(*bytes.Buffer) {},
		MaxSize:    maxBuffers,
	}
	p, err := puddle.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return &OversizedPool{pool: p}, nil
}

// Acquire checks out a scratch buffer, resetting it before handing it to
// the caller. The returned release func MUST be called exactly once, once
// the response referencing the buffer has fully transmitted (matching the
// core's "release only after the write completes" invariant for reserved
// items, spec.md §3 invariant (iv)).
func (p *OversizedPool) Acquire(ctx context.Context) (*bytes.Buffer, func(), error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	buf := res.Value()
	buf.Reset()
	return buf, res.Release, nil
}

// Close destroys all pooled buffers. It blocks until every buffer handed
// out by Acquire has been released.
func (p *OversizedPool) Close() {
	p.pool.Close()
}
