// Package conn implements the per-connection state: the Connection type
// (spec.md §3) and its twelve-state machine (spec.md §4.4) that drives a
// client socket from accept through command execution to close. A
// Connection is affine to exactly one worker thread; it is never touched
// concurrently by two goroutines (spec.md §5 "Scheduling model").
package conn

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/bufpool"
	"github.com/cachemir/kvdaemon/pkg/cookie"
	"github.com/cachemir/kvdaemon/pkg/dispatch"
	"github.com/cachemir/kvdaemon/pkg/engine"
	"github.com/cachemir/kvdaemon/pkg/pipe"
	"github.com/cachemir/kvdaemon/pkg/stats"
)

// Socket is the non-blocking byte stream a Connection drives. Production
// callers hand in a raw TCP socket placed in non-blocking mode by the
// reactor layer; tests hand in an in-memory double.
type Socket interface {
	io.Reader
	io.Writer
	Close() error
}

// ErrWouldBlock is returned by a Socket's Read or Write to report that
// the operation could not complete without blocking, the non-blocking
// I/O counterpart to engine.StateWouldBlock.
var ErrWouldBlock = errors.New("conn: operation would block")

// State is one of the twelve states spec.md §4.4 defines.
type State uint8

// State values, in the order spec.md's table lists them.
const (
	StateNewCmd State = iota
	StateWaiting
	StateReadPacketHeader
	StateParseCmd
	StateReadPacketBody
	StateExecute
	StateSendData
	StateShipLog
	StateClosing
	StatePendingClose
	StateImmediateClose
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNewCmd:
		return "new_cmd"
	case StateWaiting:
		return "waiting"
	case StateReadPacketHeader:
		return "read_packet_header"
	case StateParseCmd:
		return "parse_cmd"
	case StateReadPacketBody:
		return "read_packet_body"
	case StateExecute:
		return "execute"
	case StateSendData:
		return "send_data"
	case StateShipLog:
		return "ship_log"
	case StateClosing:
		return "closing"
	case StatePendingClose:
		return "pending_close"
	case StateImmediateClose:
		return "immediate_close"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Priority is a connection's scheduling priority; this core does not yet
// weight the worker loop by it, but carries it per spec.md §3 so a
// future scheduler has somewhere to read it from.
type Priority uint8

// Priority values.
const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// DCPFlags are the per-connection sub-flags of the DCP/change-feed mode
// (spec.md §3 "DCP flag and its sub-flags").
type DCPFlags struct {
	XattrAware      bool
	CollectionAware bool
	DeleteTime      bool
	NoValue         bool
}

// Registration tells the caller (a worker's reactor loop) what readiness
// a Connection needs next. A zero Registration with Suspended set means
// the connection is waiting on an engine callback, not socket I/O, and
// must not be re-armed until Resume is called.
type Registration struct {
	Read      bool
	Write     bool
	Suspended bool
	Closed    bool
}

// Connection is one client's state, attributes matching spec.md §3.
type Connection struct {
	Socket    Socket
	PeerName  string
	LocalName string

	Username string
	Domain   string

	PrivilegeContext any
	BucketIndex      int
	Engine           engine.Engine

	Features map[binprot.Feature]bool
	Priority Priority

	refCount int32

	state      State
	writeAndGo State

	ReadPipe  *pipe.Pipe
	WritePipe *pipe.Pipe

	ReservedItems []*engine.Item
	TempAllocs    [][]byte

	DCP      bool
	DCPFlags DCPFlags
	Stream   engine.StreamHandle

	EventBudget     int
	MaxReqsPerEvent int

	CPUTimeAccum time.Duration
	commandStart time.Time

	Cookie   *cookie.Cookie
	Dispatch dispatch.Table
	BufPool  *bufpool.Pool

	// Oversized supplies scratch buffers for responses whose body is too
	// large to stage through WritePipe without permanently growing it
	// (SPEC_FULL.md §4's bufpool supplement). Nil disables the path; every
	// response then goes through WritePipe regardless of size.
	Oversized        *bufpool.OversizedPool
	oversizedBuf     *bytes.Buffer
	oversizedRelease func()

	SLA   map[binprot.Opcode]time.Duration
	Stats *stats.Registry

	vbucket uint16

	pendingDisconnect bool

	onSlowOp func(op binprot.Opcode, elapsed time.Duration)
}

// Config bundles the construction-time dependencies a Connection needs
// from its owning worker.
type Config struct {
	Socket          Socket
	PeerName        string
	LocalName       string
	Engine          engine.Engine
	Dispatch        dispatch.Table
	BufPool         *bufpool.Pool
	Oversized       *bufpool.OversizedPool
	MaxReqsPerEvent int
	SLA             map[binprot.Opcode]time.Duration
	OnSlowOp        func(op binprot.Opcode, elapsed time.Duration)
	Stats           *stats.Registry
}

// New builds a Connection in state new_cmd, with refcount 1, per
// spec.md §3 "Lifecycle".
func New(cfg Config) *Connection {
	readPipe, readOutcome := cfg.BufPool.AcquireRead(nil)
	writePipe, writeOutcome := cfg.BufPool.AcquireWrite(nil)
	if cfg.Stats != nil {
		cfg.Stats.BufferAcquired(readOutcome)
		cfg.Stats.BufferAcquired(writeOutcome)
	}

	c := &Connection{
		Socket:          cfg.Socket,
		PeerName:        cfg.PeerName,
		LocalName:       cfg.LocalName,
		Engine:          cfg.Engine,
		Dispatch:        cfg.Dispatch,
		BufPool:         cfg.BufPool,
		Oversized:       cfg.Oversized,
		Features:        make(map[binprot.Feature]bool),
		refCount:        1,
		state:           StateNewCmd,
		ReadPipe:        readPipe,
		WritePipe:       writePipe,
		MaxReqsPerEvent: cfg.MaxReqsPerEvent,
		EventBudget:     cfg.MaxReqsPerEvent,
		SLA:             cfg.SLA,
		Stats:           cfg.Stats,
		onSlowOp:        cfg.OnSlowOp,
	}
	c.Cookie = cookie.New(c)
	return c
}

// Vbucket implements cookie.Owner, returning the connection's default
// bucket binding for commands whose header has not yet been parsed.
func (c *Connection) Vbucket() uint16 { return c.vbucket }

// SetFeatures implements cookie.Owner, persisting HELLO's negotiated
// feature set so remapResponseStatus (and any future feature-gated
// behavior) can consult it for the rest of the connection's life.
func (c *Connection) SetFeatures(features map[binprot.Feature]bool) {
	c.Features = features
}

// EnterDCP implements cookie.Owner, switching the connection into
// DCP/change-feed mode with the stream handle DCP_OPEN negotiated
// (spec.md §4.7). enterNewCmd checks DCP on every subsequent new_cmd
// entry, so this must outlive the per-command Cookie.Reset().
func (c *Connection) EnterDCP(handle engine.StreamHandle) {
	c.DCP = true
	c.Stream = handle
}

// StreamHandle implements cookie.Owner, returning the stream handle
// DCP_OPEN negotiated for every subsequent DCP executor to consult.
func (c *Connection) StreamHandle() engine.StreamHandle { return c.Stream }

// State returns the connection's current state machine position.
func (c *Connection) State() State { return c.state }

// RefCount returns the current reference count (spec.md §3 invariant v).
func (c *Connection) RefCount() int32 { return atomic.LoadInt32(&c.refCount) }

// Ref increments the reference count, taken by any in-flight engine call
// that outlives the synchronous executor invocation.
func (c *Connection) Ref() { atomic.AddInt32(&c.refCount, 1) }

// Unref decrements the reference count.
func (c *Connection) Unref() { atomic.AddInt32(&c.refCount, -1) }

func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
