package memengine

import (
	"context"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

// appendLog records msg in the shared change-feed log and wakes any
// stream whose subscribed vbuckets include msg.Vbucket and which is
// currently blocked in ProduceNext.
func (e *Engine) appendLog(msg engine.DcpMessage) {
	e.streamMu.Lock()
	e.log = append(e.log, msg)
	for id, st := range e.streams {
		if !st.vbuckets[msg.Vbucket] {
			continue
		}
		if fn, ok := e.notifiers[uint64(id)]; ok {
			fn(uint64(id), binprot.StatusSuccess)
		}
	}
	e.streamMu.Unlock()
}

// DcpOpen creates a new change-feed stream with no vbuckets subscribed
// yet; the caller adds vbuckets with DcpAddStream.
func (e *Engine) DcpOpen(ctx context.Context, name string, flags uint32) (engine.StreamHandle, binprot.Status, engine.State) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	e.nextStream++
	handle := engine.StreamHandle(e.nextStream)
	e.streams[handle] = &stream{
		handle:   handle,
		vbuckets: make(map[uint16]bool),
		cursor:   len(e.log),
	}
	return handle, binprot.StatusSuccess, engine.StateDone
}

// DcpAddStream subscribes stream to vbucket. The stream's cursor is left
// where it is, so entries for vbucket appended after the stream's cursor
// (including ones appended before this call) are delivered too; there is
// no seek to a start sequence number.
func (e *Engine) DcpAddStream(ctx context.Context, h engine.StreamHandle, vbucket uint16, flags uint32) (binprot.Status, engine.State) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	st, ok := e.streams[h]
	if !ok {
		return binprot.StatusKeyENOENT, engine.StateDone
	}
	st.vbuckets[vbucket] = true
	return binprot.StatusSuccess, engine.StateDone
}

// DcpCloseStream stops vbucket from feeding stream.
func (e *Engine) DcpCloseStream(ctx context.Context, h engine.StreamHandle, vbucket uint16) (binprot.Status, engine.State) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	st, ok := e.streams[h]
	if !ok {
		return binprot.StatusKeyENOENT, engine.StateDone
	}
	delete(st.vbuckets, vbucket)
	return binprot.StatusSuccess, engine.StateDone
}

// DcpStreamReq is equivalent to DcpAddStream for this engine: there is no
// on-disk backlog to seek into, so startSeqno/endSeqno are accepted but
// only the log tail is ever replayed.
func (e *Engine) DcpStreamReq(ctx context.Context, h engine.StreamHandle, vbucket uint16, startSeqno, endSeqno uint64) (binprot.Status, engine.State) {
	return e.DcpAddStream(ctx, h, vbucket, 0)
}

// DcpGetFailoverLog returns a single synthetic entry, since this engine
// never fails over a vbucket to another node.
func (e *Engine) DcpGetFailoverLog(ctx context.Context, h engine.StreamHandle, vbucket uint16) ([]engine.FailoverEntry, binprot.Status, engine.State) {
	return []engine.FailoverEntry{{VbucketUUID: uint64(vbucket) + 1, Seqno: e.seqnoCounter}}, binprot.StatusSuccess, engine.StateDone
}

// DcpStreamEnd stops a stream for vbucket and appends a stream-end
// marker to the log. The vbucket is unsubscribed first, so ProduceNext
// on h itself skips the marker; only other streams still subscribed to
// vbucket receive it.
func (e *Engine) DcpStreamEnd(ctx context.Context, h engine.StreamHandle, vbucket uint16, reason uint32) (binprot.Status, engine.State) {
	status, state := e.DcpCloseStream(ctx, h, vbucket)
	e.appendLog(engine.DcpMessage{Type: engine.DcpMessageStreamEnd, Vbucket: vbucket, Seqno: e.nextSeqno()})
	return status, state
}

// DcpSnapshotMarker appends a snapshot-boundary marker to the log; this
// engine never batches mutations into real snapshots, so every marker
// covers exactly the [start, end] the caller supplied.
func (e *Engine) DcpSnapshotMarker(ctx context.Context, h engine.StreamHandle, vbucket uint16, start, end uint64) (binprot.Status, engine.State) {
	e.appendLog(engine.DcpMessage{Type: engine.DcpMessageSnapshotMarker, Vbucket: vbucket, Seqno: end})
	return binprot.StatusSuccess, engine.StateDone
}

// DcpMutation appends an out-of-band mutation (one not produced through
// Store) directly to the change-feed log, used by producer-side
// replication tooling rather than ordinary client traffic.
func (e *Engine) DcpMutation(ctx context.Context, h engine.StreamHandle, item *engine.Item, seqno uint64) (binprot.Status, engine.State) {
	e.appendLog(engine.DcpMessage{Type: engine.DcpMessageMutation, Vbucket: item.Vbucket, Seqno: seqno, Item: cloneItem(item), Key: item.Key})
	return binprot.StatusSuccess, engine.StateDone
}

// DcpDeletion appends an out-of-band deletion to the change-feed log.
func (e *Engine) DcpDeletion(ctx context.Context, h engine.StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, engine.State) {
	e.appendLog(engine.DcpMessage{Type: engine.DcpMessageDeletion, Vbucket: vbucket, Seqno: seqno, Key: key})
	return binprot.StatusSuccess, engine.StateDone
}

// DcpExpiration appends an out-of-band expiration to the change-feed log.
func (e *Engine) DcpExpiration(ctx context.Context, h engine.StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, engine.State) {
	e.appendLog(engine.DcpMessage{Type: engine.DcpMessageExpiration, Vbucket: vbucket, Seqno: seqno, Key: key})
	return binprot.StatusSuccess, engine.StateDone
}

// DcpFlush fast-forwards stream's cursor to the current tail of the log,
// skipping its unread messages for every subscribed vbucket (vbucket is
// not consulted), without touching stored items (use Flush for that).
func (e *Engine) DcpFlush(ctx context.Context, h engine.StreamHandle, vbucket uint16) (binprot.Status, engine.State) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	st, ok := e.streams[h]
	if !ok {
		return binprot.StatusKeyENOENT, engine.StateDone
	}
	st.cursor = len(e.log)
	return binprot.StatusSuccess, engine.StateDone
}

// DcpNoop always succeeds; this engine needs no keepalive bookkeeping.
func (e *Engine) DcpNoop(ctx context.Context, opaque uint32) (binprot.Status, engine.State) {
	return binprot.StatusSuccess, engine.StateDone
}

// DcpBufferAck is a no-op: this engine has no flow-control window to
// release, since ProduceNext only ever hands back one message at a time.
func (e *Engine) DcpBufferAck(ctx context.Context, h engine.StreamHandle, bytesAcked uint32) (binprot.Status, engine.State) {
	return binprot.StatusSuccess, engine.StateDone
}

// DcpControl accepts any key/value pair without interpreting it; this
// engine has no tunables DCP control messages would adjust.
func (e *Engine) DcpControl(ctx context.Context, h engine.StreamHandle, key, value string) (binprot.Status, engine.State) {
	return binprot.StatusSuccess, engine.StateDone
}

// DcpSetVbucketState accepts any vbucket state transition unconditionally;
// this engine has a single flat keyspace and does not enforce replica
// topology.
func (e *Engine) DcpSetVbucketState(ctx context.Context, vbucket uint16, state engine.VbucketState) (binprot.Status, engine.State) {
	return binprot.StatusSuccess, engine.StateDone
}

// ProduceNext returns the next unread change-feed message for stream, or
// State == StateWouldBlock when the stream has drained its backlog. The
// caller is expected to have called SetNotifier(uint64(stream), fn)
// beforehand so it is woken when appendLog produces new matching data.
func (e *Engine) ProduceNext(ctx context.Context, h engine.StreamHandle) (*engine.DcpMessage, engine.State) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	st, ok := e.streams[h]
	if !ok {
		return nil, engine.StateDisconnect
	}

	for st.cursor < len(e.log) {
		msg := e.log[st.cursor]
		st.cursor++
		if st.vbuckets[msg.Vbucket] {
			out := msg
			return &out, engine.StateDone
		}
	}
	return nil, engine.StateWouldBlock
}
