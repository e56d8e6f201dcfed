package conn

import (
	"context"
	"time"

	"github.com/cachemir/kvdaemon/pkg/binprot"
	"github.com/cachemir/kvdaemon/pkg/engine"
)

// Run drives the state machine forward until it must yield to the
// reactor: waiting on readability, waiting on writability, suspended on
// an engine would-block, or closed. It never blocks on I/O itself —
// every Socket call is expected to be non-blocking and return
// ErrWouldBlock rather than stall the worker (spec.md §5 "Suspension
// points").
func (c *Connection) Run(ctx context.Context) Registration {
	for {
		switch c.state {
		case StateNewCmd:
			if reg, yield := c.enterNewCmd(); yield {
				return reg
			}

		case StateWaiting:
			c.state = StateReadPacketHeader
			return Registration{Read: true}

		case StateReadPacketHeader:
			if reg, yield := c.readMore(StateParseCmd, binprot.HeaderSize); yield {
				return reg
			}

		case StateParseCmd:
			if yield := c.parseCmd(); yield {
				return Registration{Closed: true}
			}

		case StateReadPacketBody:
			need := binprot.HeaderSize + int(c.Cookie.Header.BodyLen)
			if reg, yield := c.readMore(StateExecute, need); yield {
				return reg
			}

		case StateExecute:
			if reg, yield := c.execute(ctx); yield {
				return reg
			}

		case StateSendData:
			if reg, yield := c.sendData(); yield {
				return reg
			}

		case StateShipLog:
			if reg, yield := c.shipLog(ctx); yield {
				return reg
			}

		case StateClosing:
			c.doClose()

		case StatePendingClose:
			if c.RefCount() > 1 || c.pendingDisconnect {
				return Registration{Suspended: true}
			}
			c.state = StateImmediateClose

		case StateImmediateClose:
			c.state = StateDestroyed

		case StateDestroyed:
			return Registration{Closed: true}
		}
	}
}

// enterNewCmd implements spec.md §4.4's new_cmd row: budget check, reset,
// shrink, then a dispatch on whether a full header is already buffered.
func (c *Connection) enterNewCmd() (Registration, bool) {
	if c.EventBudget <= 0 {
		c.EventBudget = c.MaxReqsPerEvent
		if c.ReadPipe.Rsize() > 0 || c.DCP {
			return Registration{Write: true}, true
		}
		return Registration{Read: true}, true
	}

	c.Cookie.Reset()
	c.ReadPipe.Shrink()
	c.WritePipe.Shrink()
	c.commandStart = time.Now()

	if c.DCP {
		c.state = StateShipLog
		return Registration{}, false
	}

	if binprot.Available(c.ReadPipe.Rdata()) {
		c.state = StateParseCmd
	} else {
		c.state = StateWaiting
	}
	return Registration{}, false
}

// readMore performs one non-blocking read into the read pipe, advancing
// to next once enoughBytes are buffered.
func (c *Connection) readMore(next State, enoughBytes int) (Registration, bool) {
	c.ReadPipe.EnsureCapacity(enoughBytes - c.ReadPipe.Rsize())

	n, err := c.Socket.Read(c.ReadPipe.Wdata())
	if err != nil {
		if isWouldBlock(err) {
			c.state = StateWaiting
			return Registration{Read: true}, true
		}
		c.state = StateClosing
		return Registration{}, false
	}
	if n == 0 {
		c.state = StateClosing
		return Registration{}, false
	}
	c.ReadPipe.Produce(n)

	if c.ReadPipe.Rsize() >= enoughBytes {
		c.state = next
		return Registration{}, false
	}
	c.state = StateWaiting
	return Registration{Read: true}, true
}

// parseCmd decodes the buffered header and decides whether the body has
// already fully arrived.
func (c *Connection) parseCmd() bool {
	hdr, err := binprot.DecodeHeader(c.ReadPipe.Rdata()[:binprot.HeaderSize])
	if err != nil {
		c.state = StateClosing
		return false
	}
	c.Cookie.Header = hdr

	if binprot.Available(c.ReadPipe.Rdata()) {
		c.state = StateExecute
	} else {
		c.state = StateReadPacketBody
	}
	return false
}

// execute runs the looked-up executor to completion or would-block, per
// the contract in spec.md §4.5.
func (c *Connection) execute(ctx context.Context) (Registration, bool) {
	frameLen := binprot.HeaderSize + int(c.Cookie.Header.BodyLen)
	body := c.ReadPipe.Rdata()[binprot.HeaderSize:frameLen]
	c.Cookie.Body = body

	// Executor contract step 1 (spec.md §4.5): read the pending async
	// status and clear it. A pending status means this execute() call is
	// resuming a would-blocked command whose outcome a NotifyFunc has
	// already delivered, so the executor is not re-invoked — it is
	// centralised here rather than duplicated in every executor, the
	// same way remapResponseStatus centralises status remapping.
	async := c.Cookie.TakeAiostat()

	var st engine.State
	if async.Pending {
		c.Cookie.SendResponse(async.Status)
		st = engine.StateDone
	} else {
		ex, ok := c.Dispatch.Lookup(c.Cookie.Header.Opcode)
		if !ok {
			status, s := c.Engine.UnknownCommand(ctx, c.Cookie.Header.Opcode)
			c.Cookie.SendResponse(status)
			st = s
		} else {
			st = ex(ctx, c.Engine, c.Cookie)
		}
	}

	switch st {
	case engine.StateWouldBlock:
		if c.Stats != nil {
			c.Stats.WouldBlocks.Inc()
		}
		// Packet view remains valid (spec.md §3 invariant iii): the read
		// pipe is not consumed until the resumed executor completes.
		return Registration{Suspended: true}, true
	case engine.StateDisconnect:
		c.state = StateClosing
		return Registration{}, false
	default:
		c.ReadPipe.ConsumeExact(frameLen)
		c.remapResponseStatus()
		if c.state == StateClosing {
			return Registration{}, false
		}
		c.stageResponseFrame()
		c.writeAndGo = StateNewCmd
		c.state = StateSendData
		c.checkSlowOp()
		c.EventBudget--
		return Registration{}, false
	}
}

// Resume is called by an engine's NotifyFunc once a would-blocked
// executor's operation completes. It re-enters execute with the async
// status now available, picking up where the executor left off (spec.md
// §5 "Engine callbacks delivering a would-block completion reinstate
// event registration").
func (c *Connection) Resume(ctx context.Context, status binprot.Status) Registration {
	c.Cookie.SetAiostat(status)
	return c.Run(ctx)
}

// checkSlowOp implements spec.md §4.4's slow-operation timing rule.
func (c *Connection) checkSlowOp() {
	if c.commandStart.IsZero() {
		return
	}
	elapsed := time.Since(c.commandStart)
	if c.Stats != nil {
		c.Stats.CommandCompleted(c.Cookie.Header.Opcode, elapsed.Seconds())
	}
	if threshold, ok := c.SLA[c.Cookie.Header.Opcode]; ok && elapsed > threshold {
		if c.onSlowOp != nil {
			c.onSlowOp(c.Cookie.Header.Opcode, elapsed)
		}
		if c.Stats != nil {
			c.Stats.SlowOps.Inc()
		}
	}
	c.commandStart = time.Time{}
}

// sendData transmits the staged response, implementing spec.md §4.4's
// send_data row.
func (c *Connection) sendData() (Registration, bool) {
	if c.oversizedBuf != nil {
		return c.sendOversized()
	}

	for !c.WritePipe.Empty() {
		n, err := c.Socket.Write(c.WritePipe.Rdata())
		if err != nil {
			if isWouldBlock(err) {
				return Registration{Write: true}, true
			}
			c.state = StateClosing
			return Registration{}, false
		}
		if n == 0 {
			c.state = StateClosing
			return Registration{}, false
		}
		c.WritePipe.ConsumeExact(n)
	}

	c.releaseReserved()
	c.state = c.writeAndGo
	return Registration{}, false
}

// sendOversized drains a response staged through Oversized (see
// framing.go's stageOversizedResponse), mirroring sendData's WritePipe
// loop but against the pooled scratch buffer instead.
func (c *Connection) sendOversized() (Registration, bool) {
	for c.oversizedBuf.Len() > 0 {
		n, err := c.Socket.Write(c.oversizedBuf.Bytes())
		if err != nil {
			if isWouldBlock(err) {
				return Registration{Write: true}, true
			}
			c.state = StateClosing
			return Registration{}, false
		}
		if n == 0 {
			c.state = StateClosing
			return Registration{}, false
		}
		c.oversizedBuf.Next(n)
	}

	c.oversizedRelease()
	c.oversizedBuf = nil
	c.oversizedRelease = nil

	c.releaseReserved()
	c.state = c.writeAndGo
	return Registration{}, false
}

func (c *Connection) releaseReserved() {
	for _, item := range c.ReservedItems {
		c.Engine.Release(item)
	}
	c.ReservedItems = c.ReservedItems[:0]
	c.TempAllocs = c.TempAllocs[:0]
}

// shipLog implements the full-duplex change-feed state (spec.md §4.7):
// it drains any buffered inbound ack and, budget permitting, asks the
// engine for the next outbound message.
func (c *Connection) shipLog(ctx context.Context) (Registration, bool) {
	if c.ReadPipe.Rsize() > 0 {
		c.ReadPipe.Clear() // flow-control acks are not modelled further by this core
	}

	if c.EventBudget <= 0 {
		c.state = StateNewCmd
		return Registration{}, false
	}
	c.EventBudget--

	msg, st := c.Engine.ProduceNext(ctx, c.Stream)
	if st == engine.StateWouldBlock {
		return Registration{Read: true}, true
	}
	if st == engine.StateDisconnect {
		c.state = StateClosing
		return Registration{}, false
	}

	c.stageDcpMessage(msg)
	c.writeAndGo = StateShipLog
	c.state = StateSendData
	return Registration{Read: true, Write: true}, true
}

func (c *Connection) doClose() {
	c.Socket.Close()
	if c.RefCount() > 1 || c.pendingDisconnect {
		c.state = StatePendingClose
		return
	}
	c.state = StateImmediateClose
}
