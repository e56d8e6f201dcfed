// Package engine defines the interface between the per-connection core and
// the key storage engine (spec.md §6, "Engine interface consumed"). The
// core never reaches into a backend's storage format, eviction policy, or
// replication internals; it only calls through this interface and reacts
// to one of {Success, WouldBlock, Disconnect, domain-error}.
//
// Engines MAY call back into the core (via the NotifyFunc passed to
// SetNotifier) to signal completion of a would-blocked operation; that
// callback is expected to reschedule the owning connection onto its
// worker (spec.md §5, "Engine callbacks delivering a would-block
// completion reinstate event registration on the worker that owns the
// connection").
package engine

import (
	"context"

	"github.com/cachemir/kvdaemon/pkg/binprot"
)

// State reports how an engine call completed: synchronously with a
// result, suspended pending a later callback, or terminally ending the
// connection.
type State uint8

// State values.
const (
	StateDone State = iota
	StateWouldBlock
	StateDisconnect
)

// StreamHandle identifies one open DCP/change-feed stream, opaque to the
// core beyond equality comparison.
type StreamHandle uint64

// VbucketState is the replication role a vbucket is in, as reported by
// DcpSetVbucketState.
type VbucketState uint8

// VbucketState values.
const (
	VbucketActive VbucketState = iota
	VbucketReplica
	VbucketPending
	VbucketDead
)

// FailoverEntry is one (vbucket uuid, sequence number) pair in a
// vbucket's failover log, as returned by DcpGetFailoverLog.
type FailoverEntry struct {
	VbucketUUID uint64
	Seqno       uint64
}

// DcpMessageType distinguishes the kinds of message ProduceNext may hand
// back to the ship_log state for transmission.
type DcpMessageType uint8

// DcpMessageType values.
const (
	DcpMessageMutation DcpMessageType = iota
	DcpMessageDeletion
	DcpMessageExpiration
	DcpMessageSnapshotMarker
	DcpMessageStreamEnd
)

// DcpMessage is one outbound change-feed message, produced by the engine
// and framed onto the wire by the ship_log state exactly like a response
// (spec.md §4.7): its Item (if any) goes on the connection's reserved-item
// list and is released once the write completes.
type DcpMessage struct {
	Type    DcpMessageType
	Vbucket uint16
	Seqno   uint64
	Item    *Item // nil for deletion/expiration/snapshot/stream-end
	Key     string
}

// NotifyFunc is supplied by the core so an engine can report completion of
// a would-blocked call. id is whatever opaque token the core associated
// with the suspended call when it invoked the engine.
type NotifyFunc func(id uint64, status binprot.Status)

// Engine is the interface the core's executors call through. Every method
// may return State == StateWouldBlock, in which case the accompanying
// return values are not meaningful and the executor must suspend the
// connection until the engine calls the NotifyFunc.
type Engine interface {
	// SetNotifier registers the callback the engine uses to signal
	// completion of would-blocked calls. Called once per connection's
	// cookie, since would-block completions are always scoped to the
	// call that produced them.
	SetNotifier(id uint64, fn NotifyFunc)

	Allocate(ctx context.Context, vbucket uint16, key string, valueLen int, flags, expiry uint32, datatype binprot.Datatype) (*Item, State)
	Release(item *Item)

	Store(ctx context.Context, item *Item) (cas uint64, status binprot.Status, state State)
	StoreIf(ctx context.Context, item *Item, casCheck uint64, mode StoreMode) (cas uint64, status binprot.Status, state State)

	Get(ctx context.Context, vbucket uint16, key string) (*Item, binprot.Status, State)
	GetIf(ctx context.Context, vbucket uint16, key string, predicate func(ItemInfo) bool) (*Item, binprot.Status, State)
	GetAndTouch(ctx context.Context, vbucket uint16, key string, expiry uint32) (*Item, binprot.Status, State)
	GetLocked(ctx context.Context, vbucket uint16, key string, lockTimeout uint32) (*Item, binprot.Status, State)
	Unlock(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, State)
	Remove(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, State)
	Flush(ctx context.Context) (binprot.Status, State)

	GetItemInfo(item *Item) ItemInfo
	ItemSetCAS(item *Item, cas uint64)
	ResetStats(ctx context.Context)
	UnknownCommand(ctx context.Context, opcode binprot.Opcode) (binprot.Status, State)

	DcpOpen(ctx context.Context, name string, flags uint32) (StreamHandle, binprot.Status, State)
	DcpAddStream(ctx context.Context, stream StreamHandle, vbucket uint16, flags uint32) (binprot.Status, State)
	DcpCloseStream(ctx context.Context, stream StreamHandle, vbucket uint16) (binprot.Status, State)
	DcpStreamReq(ctx context.Context, stream StreamHandle, vbucket uint16, startSeqno, endSeqno uint64) (binprot.Status, State)
	DcpGetFailoverLog(ctx context.Context, stream StreamHandle, vbucket uint16) ([]FailoverEntry, binprot.Status, State)
	DcpStreamEnd(ctx context.Context, stream StreamHandle, vbucket uint16, reason uint32) (binprot.Status, State)
	DcpSnapshotMarker(ctx context.Context, stream StreamHandle, vbucket uint16, start, end uint64) (binprot.Status, State)
	DcpMutation(ctx context.Context, stream StreamHandle, item *Item, seqno uint64) (binprot.Status, State)
	DcpDeletion(ctx context.Context, stream StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, State)
	DcpExpiration(ctx context.Context, stream StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, State)
	DcpFlush(ctx context.Context, stream StreamHandle, vbucket uint16) (binprot.Status, State)
	DcpNoop(ctx context.Context, opaque uint32) (binprot.Status, State)
	DcpBufferAck(ctx context.Context, stream StreamHandle, bytesAcked uint32) (binprot.Status, State)
	DcpControl(ctx context.Context, stream StreamHandle, key, value string) (binprot.Status, State)
	DcpSetVbucketState(ctx context.Context, vbucket uint16, state VbucketState) (binprot.Status, State)

	// ProduceNext pulls the next outbound change-feed message for stream,
	// or State == StateWouldBlock when nothing is ready yet (spec.md
	// §4.4 "ship_log").
	ProduceNext(ctx context.Context, stream StreamHandle) (*DcpMessage, State)
}
