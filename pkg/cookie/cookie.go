// Package cookie defines the per-in-flight-command context bound to a
// connection (spec.md §3 "Cookie attributes"). A Cookie never outlives
// the Connection that owns it; it borrows a non-owning back-reference
// (spec.md §9 "Cyclic ownership") so the connection remains the single
// owner in the dependency graph.
package cookie

import (
	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

// Owner is the subset of *conn.Connection a Cookie needs without
// importing pkg/conn directly, breaking the import cycle that a literal
// back-reference would otherwise create (conn imports cookie to embed
// one per in-flight command).
type Owner interface {
	// Vbucket returns the vbucket id of the currently selected bucket
	// binding, used to stamp DCP messages and engine calls that do not
	// carry their own vbucket.
	Vbucket() uint16

	// SetFeatures persists a HELLO negotiation outcome on the
	// connection, so it survives past the command that negotiated it.
	SetFeatures(features map[binprot.Feature]bool)

	// EnterDCP transitions the connection into DCP/change-feed mode
	// with the given stream handle, surviving the per-command
	// Cookie.Reset() a plain cookie field would not.
	EnterDCP(handle engine.StreamHandle)

	// StreamHandle returns the DCP stream handle DCP_OPEN negotiated,
	// consulted by every subsequent DCP executor on the connection.
	StreamHandle() engine.StreamHandle
}

// AsyncStatus is the engine result pending from a would-blocked call,
// read and cleared by the executor on resumption (spec.md §4.5 step 1).
type AsyncStatus struct {
	Status  binprot.Status
	Pending bool
}

// Cookie is reset (not destroyed) between commands to amortise
// allocation, per spec.md §3 "Lifecycle".
type Cookie struct {
	owner Owner

	// Header is the decoded 24-byte header of the packet currently in
	// flight; Body is the view into the connection's read pipe backing
	// extras/key/value, valid only until the state machine returns to
	// new_cmd (spec.md §3 invariant iii).
	Header binprot.Header
	Body   []byte

	CAS          uint64
	ErrorContext string
	EventID      string

	// ResponseStatus and Response are the status and dynamic body buffer
	// an executor stages for the state machine to frame onto the write
	// pipe in send_data (spec.md §4.6). RespExtLen and RespKeyLen mark
	// where extras and key end within Response, so the framer can stamp
	// accurate ext_length/key_length header fields instead of treating
	// the body as an opaque blob.
	ResponseStatus binprot.Status
	Response       []byte
	RespExtLen     uint8
	RespKeyLen     uint16

	Async AsyncStatus

	// EngineStorage is an opaque slot the engine may stash per-command
	// state in across a would-block suspension (spec.md §3).
	EngineStorage any
}

// New builds a Cookie bound to owner. The core allocates one Cookie per
// Connection and calls Reset between commands rather than allocating a
// fresh one (spec.md §3 "Cookies are reset, not destroyed").
func New(owner Owner) *Cookie {
	return &Cookie{owner: owner}
}

// Reset clears all per-command state, preparing the Cookie for reuse by
// the next command on the same connection.
func (c *Cookie) Reset() {
	c.Header = binprot.Header{}
	c.Body = nil
	c.CAS = 0
	c.ErrorContext = ""
	c.EventID = ""
	c.ResponseStatus = binprot.StatusSuccess
	c.Response = c.Response[:0]
	c.RespExtLen = 0
	c.RespKeyLen = 0
	c.Async = AsyncStatus{}
	c.EngineStorage = nil
}

// Vbucket returns the vbucket id carried in the in-flight packet's
// header, falling back to the connection's bound vbucket if the header
// has not been parsed yet.
func (c *Cookie) Vbucket() uint16 {
	if c.Header.Magic != 0 {
		return c.Header.Vbucket()
	}
	if c.owner != nil {
		return c.owner.Vbucket()
	}
	return 0
}

// SetAiostat records an engine's asynchronous result for the executor to
// pick up on resumption.
func (c *Cookie) SetAiostat(status binprot.Status) {
	c.Async = AsyncStatus{Status: status, Pending: true}
}

// TakeAiostat reads and clears the pending async status, per the
// executor contract's first step (spec.md §4.5).
func (c *Cookie) TakeAiostat() AsyncStatus {
	a := c.Async
	c.Async = AsyncStatus{}
	return a
}

// SetFeatures persists the executor's negotiated feature set onto the
// owning connection (spec.md §6/§7/§9: XERROR and other feature gates
// are consulted from connection state, not re-derived per command).
func (c *Cookie) SetFeatures(features map[binprot.Feature]bool) {
	if c.owner != nil {
		c.owner.SetFeatures(features)
	}
}

// EnterDCP persists a DCP_OPEN handle onto the owning connection rather
// than EngineStorage, which Reset clears on the very next new_cmd
// (spec.md §4.7).
func (c *Cookie) EnterDCP(handle engine.StreamHandle) {
	if c.owner != nil {
		c.owner.EnterDCP(handle)
	}
}

// StreamHandle returns the DCP stream handle remembered by the owning
// connection since DCP_OPEN.
func (c *Cookie) StreamHandle() engine.StreamHandle {
	if c.owner == nil {
		return 0
	}
	return c.owner.StreamHandle()
}

// SendResponse stages a no-body response, mirroring the single-argument
// form of sendResponse in spec.md §4.6.
func (c *Cookie) SendResponse(status binprot.Status) {
	c.ResponseStatus = status
	c.Response = c.Response[:0]
	c.RespExtLen = 0
	c.RespKeyLen = 0
}

// SendResponseWithBody stages a full response with extras/key/value,
// matching spec.md §4.6's multi-argument sendResponse. Encoding the
// three segments into a single contiguous buffer (rather than three
// iovec segments) trades one extra copy for a simpler write path; the
// state machine's send_data state still treats this as one write.
func (c *Cookie) SendResponseWithBody(status binprot.Status, extras, key, value []byte, datatype binprot.Datatype, cas uint64) {
	body := make([]byte, 0, len(extras)+len(key)+len(value))
	body = append(body, extras...)
	body = append(body, key...)
	body = append(body, value...)
	c.Response = body
	c.RespExtLen = uint8(len(extras))
	c.RespKeyLen = uint16(len(key))
	c.ResponseStatus = status
	c.CAS = cas
	c.Header.Datatype = datatype
}
