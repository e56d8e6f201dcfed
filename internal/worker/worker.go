// Package worker implements the Worker Thread spec.md §2 and §5
// describe: one goroutine owning a reactor, an accept inbox, a
// pending-I/O list (the fd→Connection map below), and a buffer loan
// pool. A Connection is affine to exactly one Worker for its entire
// lifetime; it is never touched by another goroutine except through the
// resume channel an engine's NotifyFunc posts to.
package worker

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
	"github.com/cachemir/kvdaemon/pkg/conn"
	"github.com/cachemir/kvdaemon/pkg/dispatch"
	"github.com/cachemir/kvdaemon/pkg/engine"
	"github.com/cachemir/kvdaemon/pkg/netsock"
	"github.com/cachemir/kvdaemon/pkg/reactor"
	"github.com/cachemir/kvdaemon/pkg/stats"

	"github.com/cachemir/kvdaemon/internal/registry"
)

// pollTimeout bounds how long Run's reactor.Wait blocks per iteration,
// so the accept and resume channels (and ctx.Done) are checked
// regularly even when no fd is ready.
const pollTimeout = 100 * time.Millisecond

// resumeMsg is what an engine's NotifyFunc posts back to the owning
// worker once a would-blocked call completes (spec.md §5 "Engine
// callbacks delivering a would-block completion reinstate event
// registration on the worker that owns the connection").
type resumeMsg struct {
	id     uint64
	status binprot.Status
}

// entry tracks one connection's reactor registration state alongside
// the Connection itself, since Register/Modify/Deregister must be
// called in matching pairs as the state machine suspends and resumes.
type entry struct {
	conn       *conn.Connection
	fd         int
	registered bool
}

// Config bundles a Worker's construction-time dependencies.
type Config struct {
	ID        int
	Reactor   reactor.Reactor
	Registry  *registry.Registry
	BufPool   *bufpool.Pool
	Oversized *bufpool.OversizedPool
	Dispatch  dispatch.Table
	Engine    engine.Engine
	Stats     *stats.Registry

	MaxReqsPerEvent int
	SLA             map[binprot.Opcode]time.Duration

	Logger *log.Logger
}

// Worker is one goroutine's share of the connection pool: its own
// reactor and its own disjoint partition of live connections (spec.md
// §5 "Scheduling model").
type Worker struct {
	id        int
	reactor   reactor.Reactor
	registry  *registry.Registry
	bufPool   *bufpool.Pool
	oversized *bufpool.OversizedPool
	dispatch  dispatch.Table
	engine    engine.Engine
	stats     *stats.Registry

	maxReqsPerEvent int
	sla             map[binprot.Opcode]time.Duration

	logger *log.Logger

	accept chan net.Conn
	resume chan resumeMsg
	done   chan struct{}

	conns map[int]*entry
}

// New builds a Worker in its idle state; call Run to start draining its
// accept and resume channels.
func New(cfg Config) *Worker {
	return &Worker{
		id:              cfg.ID,
		reactor:         cfg.Reactor,
		registry:        cfg.Registry,
		bufPool:         cfg.BufPool,
		oversized:       cfg.Oversized,
		dispatch:        cfg.Dispatch,
		engine:          cfg.Engine,
		stats:           cfg.Stats,
		maxReqsPerEvent: cfg.MaxReqsPerEvent,
		sla:             cfg.SLA,
		logger:          cfg.Logger,
		accept:          make(chan net.Conn, 128),
		resume:          make(chan resumeMsg, 128),
		done:            make(chan struct{}),
		conns:           make(map[int]*entry),
	}
}

// Submit hands a freshly accepted connection to this worker. Called by
// internal/listener's round-robin dispatch, never by the worker itself.
func (w *Worker) Submit(c net.Conn) {
	select {
	case w.accept <- c:
	case <-w.done:
		c.Close()
	}
}

// notify is the engine.NotifyFunc this worker registers for every
// connection it owns. Engines may call it from any goroutine (spec.md
// §6 "Engines MAY call back into the core"), so it only ever posts to
// the resume channel — it never touches a Connection directly.
func (w *Worker) notify(id uint64, status binprot.Status) {
	select {
	case w.resume <- resumeMsg{id: id, status: status}:
	case <-w.done:
	}
}

// Run drives this worker's reactor loop until ctx is cancelled. It must
// be called from the goroutine that owns this Worker; nothing else may
// touch its connections concurrently.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.reactor.Close()

	for {
		select {
		case <-ctx.Done():
			w.closeAll()
			return
		case c := <-w.accept:
			w.onAccept(ctx, c)
		case r := <-w.resume:
			w.onResume(ctx, r)
		default:
		}

		events, err := w.reactor.Wait(pollTimeout)
		if err != nil {
			w.logger.Printf("reactor wait: %v", err)
			continue
		}
		for _, ev := range events {
			w.onEvent(ctx, ev)
		}
	}
}

func (w *Worker) onAccept(ctx context.Context, c net.Conn) {
	sock, err := netsock.New(c)
	if err != nil {
		w.logger.Printf("accept: %v", err)
		c.Close()
		return
	}

	cn := conn.New(conn.Config{
		Socket:          sock,
		PeerName:        c.RemoteAddr().String(),
		LocalName:       c.LocalAddr().String(),
		Engine:          w.engine,
		Dispatch:        w.dispatch,
		BufPool:         w.bufPool,
		Oversized:       w.oversized,
		MaxReqsPerEvent: w.maxReqsPerEvent,
		SLA:             w.sla,
		OnSlowOp:        w.onSlowOp,
		Stats:           w.stats,
	})

	fd := sock.Fd()
	id := uint64(fd)
	w.engine.SetNotifier(id, w.notify)

	e := &entry{conn: cn, fd: fd}
	w.conns[fd] = e
	w.registry.Add(cn)
	if w.stats != nil {
		w.stats.Connections.Inc()
	}

	w.applyRegistration(e, cn.Run(ctx))
}

func (w *Worker) onEvent(ctx context.Context, ev reactor.Event) {
	e, ok := w.conns[ev.Fd]
	if !ok {
		return
	}
	w.applyRegistration(e, e.conn.Run(ctx))
}

func (w *Worker) onResume(ctx context.Context, r resumeMsg) {
	e, ok := w.conns[int(r.id)]
	if !ok {
		return
	}
	w.applyRegistration(e, e.conn.Resume(ctx, r.status))
}

func (w *Worker) applyRegistration(e *entry, reg conn.Registration) {
	if reg.Closed {
		if e.registered {
			w.reactor.Deregister(e.fd)
		}
		delete(w.conns, e.fd)
		w.registry.Remove(e.conn)
		if w.stats != nil {
			w.stats.ConnectionsClosed.Inc()
		}
		return
	}

	if reg.Suspended {
		if e.registered {
			w.reactor.Deregister(e.fd)
			e.registered = false
		}
		return
	}

	var interest reactor.Interest
	if reg.Read {
		interest |= reactor.InterestRead
	}
	if reg.Write {
		interest |= reactor.InterestWrite
	}

	var err error
	if e.registered {
		err = w.reactor.Modify(e.fd, interest)
	} else {
		err = w.reactor.Register(e.fd, interest)
		e.registered = true
	}
	if err != nil {
		w.logger.Printf("reactor registration fd=%d: %v", e.fd, err)
	}
}

func (w *Worker) onSlowOp(op binprot.Opcode, elapsed time.Duration) {
	w.logger.Printf("slow operation opcode=%s elapsed=%s", op, elapsed)
}

// closeAll cooperatively closes every connection this worker still owns
// (spec.md §5 "Cancellation & timeouts" — shutdown iterates all
// connections and fires a close).
func (w *Worker) closeAll() {
	for _, e := range w.conns {
		e.conn.Socket.Close()
		w.registry.Remove(e.conn)
	}
	w.conns = make(map[int]*entry)
}

// Count returns the number of connections currently owned by this
// worker, for stats reporting.
func (w *Worker) Count() int { return len(w.conns) }
