package dispatch

import (
	"context"
	"encoding/binary"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/cookie"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

// key returns the key portion of the in-flight packet's body.
func key(c *cookie.Cookie) string {
	start := int(c.Header.ExtLen)
	end := start + int(c.Header.KeyLen)
	if end > len(c.Body) {
		return ""
	}
	return string(c.Body[start:end])
}

// value returns the value portion (everything after extras and key).
func value(c *cookie.Cookie) []byte {
	start := int(c.Header.ExtLen) + int(c.Header.KeyLen)
	if start > len(c.Body) {
		return nil
	}
	return c.Body[start:]
}

// extras returns the extras portion of the body.
func extras(c *cookie.Cookie) []byte {
	end := int(c.Header.ExtLen)
	if end > len(c.Body) {
		return nil
	}
	return c.Body[:end]
}

func executeGet(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	item, status, state := eng.Get(ctx, c.Vbucket(), key(c))
	if state != engine.StateDone {
		return state
	}
	if status != binprot.StatusSuccess {
		c.SendResponse(status)
		return engine.StateDone
	}

	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf, item.Flags)

	respKey := []byte(nil)
	if c.Header.Opcode == binprot.OpGetK || c.Header.Opcode == binprot.OpGetKQ {
		respKey = []byte(item.Key)
	}
	c.SendResponseWithBody(binprot.StatusSuccess, extraBuf, respKey, item.Value, item.Datatype, item.CAS)
	return engine.StateDone
}

func executeStore(mode engine.StoreMode) Executor {
	return func(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
		ext := extras(c)
		var flags, expiry uint32
		if len(ext) >= 8 {
			flags = binary.BigEndian.Uint32(ext[0:4])
			expiry = binary.BigEndian.Uint32(ext[4:8])
		}

		item := &engine.Item{
			Key:      key(c),
			Vbucket:  c.Vbucket(),
			Value:    value(c),
			Flags:    flags,
			Expiry:   expiry,
			Datatype: c.Header.Datatype,
		}

		cas, status, state := eng.StoreIf(ctx, item, c.Header.CAS, mode)
		if state != engine.StateDone {
			return state
		}
		c.SendResponse(status)
		c.CAS = cas
		return engine.StateDone
	}
}

func executeDelete(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.Remove(ctx, c.Vbucket(), key(c), c.Header.CAS)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDelta(increment bool) Executor {
	return func(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
		ext := extras(c)
		var delta, initial uint64
		var expiry uint32
		if len(ext) >= 20 {
			delta = binary.BigEndian.Uint64(ext[0:8])
			initial = binary.BigEndian.Uint64(ext[8:16])
			expiry = binary.BigEndian.Uint32(ext[16:20])
		}

		k := key(c)
		vb := c.Vbucket()

		item, status, state := eng.Get(ctx, vb, k)
		if state != engine.StateDone {
			return state
		}
		if status == binprot.StatusKeyENOENT {
			if expiry == 0xffffffff {
				c.SendResponse(binprot.StatusKeyENOENT)
				return engine.StateDone
			}
			seed := make([]byte, 8)
			binary.BigEndian.PutUint64(seed, initial)
			cas, status, state := eng.Store(ctx, &engine.Item{Key: k, Vbucket: vb, Value: seed, Expiry: expiry})
			if state != engine.StateDone {
				return state
			}
			c.SendResponseWithBody(status, nil, nil, seed, binprot.DatatypeRaw, cas)
			return engine.StateDone
		}
		if status != binprot.StatusSuccess {
			c.SendResponse(status)
			return engine.StateDone
		}

		if len(item.Value) != 8 {
			c.SendResponse(binprot.StatusDeltaBadVal)
			return engine.StateDone
		}
		cur := binary.BigEndian.Uint64(item.Value)
		var next uint64
		if increment {
			next = cur + delta
		} else if delta > cur {
			next = 0
		} else {
			next = cur - delta
		}

		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, next)
		cas, status, state := eng.StoreIf(ctx, &engine.Item{Key: k, Vbucket: vb, Value: out, Expiry: item.Expiry}, item.CAS, engine.StoreReplace)
		if state != engine.StateDone {
			return state
		}
		c.SendResponseWithBody(status, nil, nil, out, binprot.DatatypeRaw, cas)
		return engine.StateDone
	}
}

func executeTouch(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var expiry uint32
	if ext := extras(c); len(ext) >= 4 {
		expiry = binary.BigEndian.Uint32(ext)
	}
	item, status, state := eng.GetAndTouch(ctx, c.Vbucket(), key(c), expiry)
	if state != engine.StateDone {
		return state
	}
	if status != binprot.StatusSuccess {
		c.SendResponse(status)
		return engine.StateDone
	}
	c.SendResponse(binprot.StatusSuccess)
	c.CAS = item.CAS
	return engine.StateDone
}

func executeGAT(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var expiry uint32
	if ext := extras(c); len(ext) >= 4 {
		expiry = binary.BigEndian.Uint32(ext)
	}
	item, status, state := eng.GetAndTouch(ctx, c.Vbucket(), key(c), expiry)
	if state != engine.StateDone {
		return state
	}
	if status != binprot.StatusSuccess {
		c.SendResponse(status)
		return engine.StateDone
	}
	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf, item.Flags)
	c.SendResponseWithBody(binprot.StatusSuccess, extraBuf, nil, item.Value, item.Datatype, item.CAS)
	return engine.StateDone
}

func executeGetLocked(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var lockTimeout uint32
	if ext := extras(c); len(ext) >= 4 {
		lockTimeout = binary.BigEndian.Uint32(ext)
	}
	item, status, state := eng.GetLocked(ctx, c.Vbucket(), key(c), lockTimeout)
	if state != engine.StateDone {
		return state
	}
	if status != binprot.StatusSuccess {
		c.SendResponse(status)
		return engine.StateDone
	}
	extraBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(extraBuf, item.Flags)
	c.SendResponseWithBody(binprot.StatusSuccess, extraBuf, nil, item.Value, item.Datatype, item.CAS)
	return engine.StateDone
}

func executeUnlock(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.Unlock(ctx, c.Vbucket(), key(c), c.Header.CAS)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeFlush(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.Flush(ctx)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeNoop(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	c.SendResponse(binprot.StatusSuccess)
	return engine.StateDone
}

func executeVersion(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	c.SendResponseWithBody(binprot.StatusSuccess, nil, nil, []byte("1.0.0"), binprot.DatatypeRaw, 0)
	return engine.StateDone
}

func executeQuit(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	c.SendResponse(binprot.StatusSuccess)
	return engine.StateDisconnect
}

func executeStat(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	// A real stat command streams one packet per statistic followed by a
	// terminating empty-key packet; this core has no statistics to report,
	// so its single empty Success response is that terminator.
	c.SendResponse(binprot.StatusSuccess)
	return engine.StateDone
}

func executeHello(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	body := value(c)
	negotiated := make(map[binprot.Feature]bool)
	var accepted []byte
	for i := 0; i+1 < len(body); i += 2 {
		f := binprot.Feature(binary.BigEndian.Uint16(body[i : i+2]))
		if binprot.SupportedFeatures[f] {
			negotiated[f] = true
			accepted = binary.BigEndian.AppendUint16(accepted, uint16(f))
		}
	}
	c.SetFeatures(negotiated)
	c.SendResponseWithBody(binprot.StatusSuccess, nil, nil, accepted, binprot.DatatypeRaw, 0)
	return engine.StateDone
}

func executeSelectBucket(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	c.SendResponse(binprot.StatusSuccess)
	return engine.StateDone
}

func executeDcpOpen(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var flags uint32
	if ext := extras(c); len(ext) >= 8 {
		flags = binary.BigEndian.Uint32(ext[4:8])
	}
	handle, status, state := eng.DcpOpen(ctx, key(c), flags)
	if state != engine.StateDone {
		return state
	}
	if status == binprot.StatusSuccess {
		c.EnterDCP(handle)
	}
	c.SendResponse(status)
	return engine.StateDone
}

func streamHandle(c *cookie.Cookie) engine.StreamHandle {
	return c.StreamHandle()
}

func executeDcpAddStream(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var flags uint32
	if ext := extras(c); len(ext) >= 4 {
		flags = binary.BigEndian.Uint32(ext)
	}
	status, state := eng.DcpAddStream(ctx, streamHandle(c), c.Vbucket(), flags)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpCloseStream(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.DcpCloseStream(ctx, streamHandle(c), c.Vbucket())
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpStreamReq(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	ext := extras(c)
	var start, end uint64
	if len(ext) >= 48 {
		start = binary.BigEndian.Uint64(ext[8:16])
		end = binary.BigEndian.Uint64(ext[16:24])
	}
	status, state := eng.DcpStreamReq(ctx, streamHandle(c), c.Vbucket(), start, end)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpGetFailoverLog(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	entries, status, state := eng.DcpGetFailoverLog(ctx, streamHandle(c), c.Vbucket())
	if state != engine.StateDone {
		return state
	}
	body := make([]byte, 0, len(entries)*16)
	for _, e := range entries {
		body = binary.BigEndian.AppendUint64(body, e.VbucketUUID)
		body = binary.BigEndian.AppendUint64(body, e.Seqno)
	}
	c.SendResponseWithBody(status, nil, nil, body, binprot.DatatypeRaw, 0)
	return engine.StateDone
}

func executeDcpStreamEnd(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var reason uint32
	if ext := extras(c); len(ext) >= 4 {
		reason = binary.BigEndian.Uint32(ext)
	}
	status, state := eng.DcpStreamEnd(ctx, streamHandle(c), c.Vbucket(), reason)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpSnapshotMarker(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	ext := extras(c)
	var start, end uint64
	if len(ext) >= 16 {
		start = binary.BigEndian.Uint64(ext[0:8])
		end = binary.BigEndian.Uint64(ext[8:16])
	}
	status, state := eng.DcpSnapshotMarker(ctx, streamHandle(c), c.Vbucket(), start, end)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpMutation(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	item := &engine.Item{Key: key(c), Vbucket: c.Vbucket(), Value: value(c), Datatype: c.Header.Datatype, CAS: c.Header.CAS}
	status, state := eng.DcpMutation(ctx, streamHandle(c), item, c.Header.CAS)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpDeletion(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.DcpDeletion(ctx, streamHandle(c), c.Vbucket(), key(c), c.Header.CAS)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpExpiration(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.DcpExpiration(ctx, streamHandle(c), c.Vbucket(), key(c), c.Header.CAS)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpFlush(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.DcpFlush(ctx, streamHandle(c), c.Vbucket())
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpSetVbucketState(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var vbState engine.VbucketState
	if ext := extras(c); len(ext) >= 1 {
		vbState = engine.VbucketState(ext[0])
	}
	status, state := eng.DcpSetVbucketState(ctx, c.Vbucket(), vbState)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpNoop(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	status, state := eng.DcpNoop(ctx, c.Header.Opaque)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpBufferAck(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	var acked uint32
	if ext := extras(c); len(ext) >= 4 {
		acked = binary.BigEndian.Uint32(ext)
	}
	status, state := eng.DcpBufferAck(ctx, streamHandle(c), acked)
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}

func executeDcpControl(ctx context.Context, eng engine.Engine, c *cookie.Cookie) engine.State {
	v := value(c)
	status, state := eng.DcpControl(ctx, streamHandle(c), key(c), string(v))
	if state != engine.StateDone {
		return state
	}
	c.SendResponse(status)
	return engine.StateDone
}
