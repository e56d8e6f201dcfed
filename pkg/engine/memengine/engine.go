// Package memengine is an in-memory reference implementation of
// engine.Engine, generalizing the teacher's map-plus-mutex cache
// (pkg/cache in the original project) from string values to full
// memcached items addressed by (vbucket, key), with CAS, locking, and a
// change-feed log that drives the DCP side of engine.Engine.
//
// Nothing here ever performs I/O, so none of the item operations
// genuinely suspend; StateWouldBlock is only ever returned from
// ProduceNext when a stream has drained its backlog. A real backend
// (disk-resident, replicated) would return StateWouldBlock from Store
// and Get as well; this engine exists to exercise the core's state
// machine and dispatch table end to end, not to model eviction or
// persistence.
package memengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

type itemKey struct {
	vbucket uint16
	key     string
}

type entry struct {
	item        *engine.Item
	lockedUntil time.Time
	lockToken   uint64
}

// Engine is a thread-safe, map-backed key storage engine. Like the
// teacher's Cache, it guards a single map with one RWMutex and sweeps
// expired entries on a ticker rather than per-key timers.
type Engine struct {
	mu    sync.RWMutex
	items map[itemKey]*entry

	casCounter   uint64
	seqnoCounter uint64

	streamMu   sync.Mutex
	streams    map[engine.StreamHandle]*stream
	nextStream uint64
	notifiers  map[uint64]engine.NotifyFunc

	log []engine.DcpMessage

	stopSweep chan struct{}
}

type stream struct {
	handle   engine.StreamHandle
	vbuckets map[uint16]bool
	cursor   int
}

// New builds an Engine and starts its background expiry sweep, mirroring
// cache.New starting cleanupExpired.
func New() *Engine {
	e := &Engine{
		items:     make(map[itemKey]*entry),
		streams:   make(map[engine.StreamHandle]*stream),
		notifiers: make(map[uint64]engine.NotifyFunc),
		stopSweep: make(chan struct{}),
	}
	go e.sweepExpired()
	return e
}

// Close stops the background sweep goroutine.
func (e *Engine) Close() {
	close(e.stopSweep)
}

func (e *Engine) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopSweep:
			return
		case <-ticker.C:
			now := uint32(time.Now().Unix())
			e.mu.Lock()
			for k, v := range e.items {
				if v.item.Expiry != 0 && v.item.Expiry < now {
					delete(e.items, k)
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) nextCAS() uint64 {
	return atomic.AddUint64(&e.casCounter, 1)
}

func (e *Engine) nextSeqno() uint64 {
	return atomic.AddUint64(&e.seqnoCounter, 1)
}

func isExpired(it *engine.Item) bool {
	return it.Expiry != 0 && it.Expiry < uint32(time.Now().Unix())
}

// SetNotifier registers the callback used to wake a stream blocked in
// ProduceNext once new matching change-feed data is appended. id is the
// caller's choice; memengine expects it to be uint64(stream handle).
func (e *Engine) SetNotifier(id uint64, fn engine.NotifyFunc) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	e.notifiers[id] = fn
}

// Allocate reserves a value buffer of valueLen bytes for the caller to
// fill before Store; it never fails or suspends since this engine holds
// everything in process memory.
func (e *Engine) Allocate(_ context.Context, vbucket uint16, key string, valueLen int, flags, expiry uint32, datatype binprot.Datatype) (*engine.Item, engine.State) {
	return &engine.Item{
		Key:      key,
		Vbucket:  vbucket,
		Value:    make([]byte, valueLen),
		Flags:    flags,
		Expiry:   expiry,
		Datatype: datatype,
	}, engine.StateDone
}

// Release is a no-op: allocated items are ordinary Go values collected
// by the garbage collector once the cookie drops its last reference.
func (e *Engine) Release(*engine.Item) {}

// Store writes item unconditionally (memcached SET semantics).
func (e *Engine) Store(ctx context.Context, item *engine.Item) (uint64, binprot.Status, engine.State) {
	return e.storeIf(item, 0, engine.StoreSet)
}

// StoreIf writes item subject to mode's conditional semantics and, when
// casCheck is non-zero, a CAS precondition.
func (e *Engine) StoreIf(ctx context.Context, item *engine.Item, casCheck uint64, mode engine.StoreMode) (uint64, binprot.Status, engine.State) {
	return e.storeIf(item, casCheck, mode)
}

func (e *Engine) storeIf(item *engine.Item, casCheck uint64, mode engine.StoreMode) (uint64, binprot.Status, engine.State) {
	k := itemKey{item.Vbucket, item.Key}

	e.mu.Lock()
	existing, ok := e.items[k]
	if ok && isExpired(existing.item) {
		delete(e.items, k)
		ok = false
	}
	if ok && !existing.lockedUntil.IsZero() && time.Now().Before(existing.lockedUntil) {
		if casCheck == 0 || casCheck != existing.lockToken {
			e.mu.Unlock()
			return 0, binprot.StatusLocked, engine.StateDone
		}
	}

	switch mode {
	case engine.StoreAdd:
		if ok {
			e.mu.Unlock()
			return 0, binprot.StatusKeyEEXISTS, engine.StateDone
		}
	case engine.StoreReplace:
		if !ok {
			e.mu.Unlock()
			return 0, binprot.StatusKeyENOENT, engine.StateDone
		}
	case engine.StoreAppend, engine.StorePrepend:
		if !ok {
			e.mu.Unlock()
			return 0, binprot.StatusNotStored, engine.StateDone
		}
	}

	if ok && casCheck != 0 && casCheck != existing.item.CAS {
		e.mu.Unlock()
		return 0, binprot.StatusKeyEEXISTS, engine.StateDone
	}

	value := item.Value
	switch mode {
	case engine.StoreAppend:
		value = append(append([]byte(nil), existing.item.Value...), item.Value...)
	case engine.StorePrepend:
		value = append(append([]byte(nil), item.Value...), existing.item.Value...)
	}

	cas := e.nextCAS()
	stored := &engine.Item{
		Key:      item.Key,
		Vbucket:  item.Vbucket,
		Value:    value,
		Flags:    item.Flags,
		Expiry:   item.Expiry,
		CAS:      cas,
		Datatype: item.Datatype,
	}
	e.items[k] = &entry{item: stored}
	e.mu.Unlock()

	e.appendLog(engine.DcpMessage{
		Type:    engine.DcpMessageMutation,
		Vbucket: item.Vbucket,
		Seqno:   e.nextSeqno(),
		Item:    stored,
		Key:     item.Key,
	})

	return cas, binprot.StatusSuccess, engine.StateDone
}

// Get returns the current value of (vbucket, key), or KeyENOENT if
// absent or expired.
func (e *Engine) Get(ctx context.Context, vbucket uint16, key string) (*engine.Item, binprot.Status, engine.State) {
	return e.GetIf(ctx, vbucket, key, nil)
}

// GetIf returns the item only if predicate(info) is true, and
// KeyENOENT otherwise (or if the key is absent/expired); predicate == nil
// always passes.
func (e *Engine) GetIf(ctx context.Context, vbucket uint16, key string, predicate func(engine.ItemInfo) bool) (*engine.Item, binprot.Status, engine.State) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent, ok := e.items[itemKey{vbucket, key}]
	if !ok || isExpired(ent.item) {
		return nil, binprot.StatusKeyENOENT, engine.StateDone
	}
	if predicate != nil && !predicate(e.itemInfoLocked(ent.item)) {
		return nil, binprot.StatusKeyENOENT, engine.StateDone
	}
	return cloneItem(ent.item), binprot.StatusSuccess, engine.StateDone
}

// GetAndTouch returns the item and resets its expiry in one step.
func (e *Engine) GetAndTouch(ctx context.Context, vbucket uint16, key string, expiry uint32) (*engine.Item, binprot.Status, engine.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.items[itemKey{vbucket, key}]
	if !ok || isExpired(ent.item) {
		return nil, binprot.StatusKeyENOENT, engine.StateDone
	}
	ent.item.Expiry = expiry
	return cloneItem(ent.item), binprot.StatusSuccess, engine.StateDone
}

// GetLocked returns the item and places a time-bounded exclusive lock on
// it, identified by the returned CAS acting as a lock token (matching
// the real protocol's getl/unl convention).
func (e *Engine) GetLocked(ctx context.Context, vbucket uint16, key string, lockTimeout uint32) (*engine.Item, binprot.Status, engine.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.items[itemKey{vbucket, key}]
	if !ok || isExpired(ent.item) {
		return nil, binprot.StatusKeyENOENT, engine.StateDone
	}
	if !ent.lockedUntil.IsZero() && time.Now().Before(ent.lockedUntil) {
		return nil, binprot.StatusLocked, engine.StateDone
	}

	if lockTimeout == 0 {
		lockTimeout = 15
	}
	token := e.nextCAS()
	ent.lockedUntil = time.Now().Add(time.Duration(lockTimeout) * time.Second)
	ent.lockToken = token

	out := cloneItem(ent.item)
	out.CAS = token
	return out, binprot.StatusSuccess, engine.StateDone
}

// Unlock releases a lock placed by GetLocked, validating cas against the
// token handed back from GetLocked.
func (e *Engine) Unlock(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, engine.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.items[itemKey{vbucket, key}]
	if !ok {
		return binprot.StatusKeyENOENT, engine.StateDone
	}
	if ent.lockedUntil.IsZero() || time.Now().After(ent.lockedUntil) {
		return binprot.StatusSuccess, engine.StateDone
	}
	if ent.lockToken != cas {
		return binprot.StatusKeyEEXISTS, engine.StateDone
	}
	ent.lockedUntil = time.Time{}
	ent.lockToken = 0
	return binprot.StatusSuccess, engine.StateDone
}

// Remove deletes (vbucket, key), subject to an optional CAS precondition.
func (e *Engine) Remove(ctx context.Context, vbucket uint16, key string, cas uint64) (binprot.Status, engine.State) {
	k := itemKey{vbucket, key}

	e.mu.Lock()
	ent, ok := e.items[k]
	if !ok || isExpired(ent.item) {
		e.mu.Unlock()
		return binprot.StatusKeyENOENT, engine.StateDone
	}
	if !ent.lockedUntil.IsZero() && time.Now().Before(ent.lockedUntil) && cas != ent.lockToken {
		e.mu.Unlock()
		return binprot.StatusLocked, engine.StateDone
	}
	if cas != 0 && cas != ent.item.CAS {
		e.mu.Unlock()
		return binprot.StatusKeyEEXISTS, engine.StateDone
	}
	delete(e.items, k)
	e.mu.Unlock()

	e.appendLog(engine.DcpMessage{
		Type:    engine.DcpMessageDeletion,
		Vbucket: vbucket,
		Seqno:   e.nextSeqno(),
		Key:     key,
	})

	return binprot.StatusSuccess, engine.StateDone
}

// Flush discards every stored item across every vbucket.
func (e *Engine) Flush(ctx context.Context) (binprot.Status, engine.State) {
	e.mu.Lock()
	e.items = make(map[itemKey]*entry)
	e.mu.Unlock()
	return binprot.StatusSuccess, engine.StateDone
}

func (e *Engine) itemInfoLocked(it *engine.Item) engine.ItemInfo {
	return engine.ItemInfo{
		Key:      it.Key,
		Vbucket:  it.Vbucket,
		Flags:    it.Flags,
		Expiry:   it.Expiry,
		CAS:      it.CAS,
		Datatype: it.Datatype,
		ValueLen: len(it.Value),
	}
}

// GetItemInfo returns item's read-only metadata view.
func (e *Engine) GetItemInfo(item *engine.Item) engine.ItemInfo {
	return e.itemInfoLocked(item)
}

// ItemSetCAS overwrites item's CAS in place, used by the core after a
// successful conditional store to stamp the value it is about to mirror
// back to the client.
func (e *Engine) ItemSetCAS(item *engine.Item, cas uint64) {
	item.CAS = cas
}

// ResetStats is a no-op: this engine keeps no counters of its own beyond
// what pkg/stats tracks at the core layer.
func (e *Engine) ResetStats(ctx context.Context) {}

// UnknownCommand reports that opcode has no handler, matching the real
// engine's fallback for opcodes it does not implement.
func (e *Engine) UnknownCommand(ctx context.Context, opcode binprot.Opcode) (binprot.Status, engine.State) {
	return binprot.StatusUnknownCommand, engine.StateDone
}

func cloneItem(it *engine.Item) *engine.Item {
	out := *it
	out.Value = append([]byte(nil), it.Value...)
	return &out
}
