// Package breaker guards calls into a key storage engine with a circuit
// breaker, so a backend that starts ending every connection (State ==
// engine.StateDisconnect) gets a rest instead of every worker hammering
// it with doomed requests. spec.md treats the engine as an external
// collaborator and says nothing about its failure modes; this is a
// supplement grounded on pior-memcache's gobreaker helper.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
	"github.com/cachemir/kvdaemon/pkg/stats"
)

// errDisconnect marks an inner call that ended with StateDisconnect as a
// circuit-breaker failure; gobreaker counts any non-nil error from
// Execute's closure toward the trip ratio.
var errDisconnect = errors.New("breaker: engine call ended the connection")

// Settings mirrors pior-memcache's NewCircuitBreakerConfig helper: trip
// once a majority of a handful of requests have failed, rather than on
// the first one, and give the backend a fixed cooldown before probing it
// again.
func Settings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}
}

// Engine wraps an engine.Engine so every call that can report
// StateDisconnect runs through a shared circuit breaker. While the
// breaker is open, calls are short-circuited to StatusETEMPFAIL without
// touching the inner engine at all (spec.md §6's status codes already
// define ETEMPFAIL for "try again later").
type Engine struct {
	inner engine.Engine
	cb    *gobreaker.CircuitBreaker[engine.State]

	// Stats, if set, counts each call short-circuited by an open breaker.
	Stats *stats.Registry
}

// Wrap builds a breaker-guarded Engine around inner.
func Wrap(inner engine.Engine, settings gobreaker.Settings) *Engine {
	return &Engine{inner: inner, cb: gobreaker.NewCircuitBreaker[engine.State](settings)}
}

// through executes call via the breaker. open reports whether the
// breaker short-circuited the call (open state, or the probe budget of a
// half-open breaker was exhausted) without ever invoking call; the
// caller must not trust any values call's closure assigned in that case.
// A call that reaches the inner engine and genuinely disconnects still
// counts toward the breaker's failure ratio, but its real
// engine.StateDisconnect result is returned to the caller unchanged —
// only a short-circuited call gets the substituted ETEMPFAIL treatment.
func (e *Engine) through(call func() engine.State) (st engine.State, open bool) {
	st, err := e.cb.Execute(func() (engine.State, error) {
		s := call()
		if s == engine.StateDisconnect {
			return s, errDisconnect
		}
		return s, nil
	})
	if err == nil {
		return st, false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if e.Stats != nil {
			e.Stats.BreakerTrips.Inc()
		}
		return engine.StateDone, true
	}
	return st, false
}

func (e *Engine) SetNotifier(id uint64, fn engine.NotifyFunc) { e.inner.SetNotifier(id, fn) }

func (e *Engine) Allocate(ctx context.Context, vbucket uint16, key string, valueLen int, flags, expiry uint32, datatype binprot.Datatype) (*engine.Item, engine.State) {
	var item *engine.Item
	st, open := e.through(func() engine.State {
		var s engine.State
		item, s = e.inner.Allocate(ctx, vbucket, key, valueLen, flags, expiry, datatype)
		return s
	})
	if open {
		return nil, engine.StateDone
	}
	return item, st
}

func (e *Engine) Release(item *engine.Item) { e.inner.Release(item) }

func (e *Engine) Store(ctx context.Context, item *engine.Item) (uint64, binprot.Status, engine.State) {
	var cas uint64
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		cas, status, s = e.inner.Store(ctx, item)
		return s
	})
	if open {
		return 0, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return cas, status, st
}

func (e *Engine) StoreIf(ctx context.Context, item *engine.Item, casCheck uint64, mode engine.StoreMode) (uint64, binprot.Status, engine.State) {
	var cas uint64
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		cas, status, s = e.inner.StoreIf(ctx, item, casCheck, mode)
		return s
	})
	if open {
		return 0, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return cas, status, st
}

func (e *Engine) Get(ctx context.Context, vbucket uint16, key string) (*engine.Item, binprot.Status, engine.State) {
	var item *engine.Item
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		item, status, s = e.inner.Get(ctx, vbucket, key)
		return s
	})
	if open {
		return nil, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return item, status, st
}

func (e *Engine) GetIf(ctx context.Context, vbucket uint16, key string, predicate func(engine.ItemInfo) bool) (*engine.Item, binprot.Status, engine.State) {
	var item *engine.Item
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		item, status, s = e.inner.GetIf(ctx, vbucket, key, predicate)
		return s
	})
	if open {
		return nil, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return item, status, st
}

func (e *Engine) GetAndTouch(ctx context.Context, vbucket uint16, key string, expiry uint32) (*engine.Item, binprot.Status, engine.State) {
	var item *engine.Item
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		item, status, s = e.inner.GetAndTouch(ctx, vbucket, key, expiry)
		return s
	})
	if open {
		return nil, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return item, status, st
}

func (e *Engine) GetLocked(ctx context.Context, vbucket uint16, key string, lockTimeout uint32) (*engine.Item, binprot.Status, engine.State) {
	var item *engine.Item
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		item, status, s = e.inner.GetLocked(ctx, vbucket, key, lockTimeout)
		return s
	})
	if open {
		return nil, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return item, status, st
}

func (e *Engine) Unlock(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.Unlock(ctx, vbucket, key, cas)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) Remove(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.Remove(ctx, vbucket, key, cas)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) Flush(ctx context.Context) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.Flush(ctx)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) GetItemInfo(item *engine.Item) engine.ItemInfo { return e.inner.GetItemInfo(item) }
func (e *Engine) ItemSetCAS(item *engine.Item, cas uint64)      { e.inner.ItemSetCAS(item, cas) }
func (e *Engine) ResetStats(ctx context.Context)                { e.inner.ResetStats(ctx) }

func (e *Engine) UnknownCommand(ctx context.Context, opcode binprot.Opcode) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.UnknownCommand(ctx, opcode)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpOpen(ctx context.Context, name string, flags uint32) (engine.StreamHandle, binprot.Status, engine.State) {
	var handle engine.StreamHandle
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		handle, status, s = e.inner.DcpOpen(ctx, name, flags)
		return s
	})
	if open {
		return 0, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return handle, status, st
}

func (e *Engine) DcpAddStream(ctx context.Context, stream engine.StreamHandle, vbucket uint16, flags uint32) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpAddStream(ctx, stream, vbucket, flags)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpCloseStream(ctx context.Context, stream engine.StreamHandle, vbucket uint16) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpCloseStream(ctx, stream, vbucket)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpStreamReq(ctx context.Context, stream engine.StreamHandle, vbucket uint16, startSeqno, endSeqno uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpStreamReq(ctx, stream, vbucket, startSeqno, endSeqno)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpGetFailoverLog(ctx context.Context, stream engine.StreamHandle, vbucket uint16) ([]engine.FailoverEntry, binprot.Status, engine.State) {
	var entries []engine.FailoverEntry
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		entries, status, s = e.inner.DcpGetFailoverLog(ctx, stream, vbucket)
		return s
	})
	if open {
		return nil, binprot.StatusETEMPFAIL, engine.StateDone
	}
	return entries, status, st
}

func (e *Engine) DcpStreamEnd(ctx context.Context, stream engine.StreamHandle, vbucket uint16, reason uint32) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpStreamEnd(ctx, stream, vbucket, reason)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpSnapshotMarker(ctx context.Context, stream engine.StreamHandle, vbucket uint16, start, end uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpSnapshotMarker(ctx, stream, vbucket, start, end)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpMutation(ctx context.Context, stream engine.StreamHandle, item *engine.Item, seqno uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpMutation(ctx, stream, item, seqno)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpDeletion(ctx context.Context, stream engine.StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpDeletion(ctx, stream, vbucket, key, seqno)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpExpiration(ctx context.Context, stream engine.StreamHandle, vbucket uint16, key string, seqno uint64) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpExpiration(ctx, stream, vbucket, key, seqno)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpFlush(ctx context.Context, stream engine.StreamHandle, vbucket uint16) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpFlush(ctx, stream, vbucket)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpNoop(ctx context.Context, opaque uint32) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpNoop(ctx, opaque)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpBufferAck(ctx context.Context, stream engine.StreamHandle, bytesAcked uint32) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpBufferAck(ctx, stream, bytesAcked)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpControl(ctx context.Context, stream engine.StreamHandle, key, value string) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpControl(ctx, stream, key, value)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

func (e *Engine) DcpSetVbucketState(ctx context.Context, vbucket uint16, vbState engine.VbucketState) (binprot.Status, engine.State) {
	var status binprot.Status
	st, open := e.through(func() engine.State {
		var s engine.State
		status, s = e.inner.DcpSetVbucketState(ctx, vbucket, vbState)
		return s
	})
	if open {
		return binprot.StatusETEMPFAIL, engine.StateDone
	}
	return status, st
}

// ProduceNext is deliberately NOT routed through the breaker: a would-block
// result (no mutation ready yet) is the overwhelmingly common outcome on
// an idle stream and must never count as a failure, and the breaker's
// trip ratio only watches StateDisconnect outcomes in the first place.
func (e *Engine) ProduceNext(ctx context.Context, stream engine.StreamHandle) (*engine.DcpMessage, engine.State) {
	return e.inner.ProduceNext(ctx, stream)
}
