// Package bufpool implements the per-worker buffer loan pool (spec.md
// §4.2): each worker thread holds at most one spare read Pipe and one
// spare write Pipe, which it loans to an active connection and reclaims
// once that connection goes idle between commands.
//
// The loan pool is intentionally a single-slot cache, not a general object
// pool: per spec.md §9 ("Per-worker free lists"), keeping it per-worker
// avoids any cross-thread synchronisation. A Pool must only ever be
// touched by the worker thread that owns it.
package bufpool

import "github.com/cachemir/kvdaemon/pkg/pipe"

// Outcome enumerates how a buffer acquisition was satisfied, for metrics
// (spec.md §4.2).
type Outcome int

// Outcome values.
const (
	OutcomeExisting Outcome = iota // connection already owned a pipe
	OutcomeLoaned                  // pool handed over its spare pipe
	OutcomeAllocated                // pool was empty; a new pipe was allocated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExisting:
		return "existing"
	case OutcomeLoaned:
		return "loaned"
	case OutcomeAllocated:
		return "allocated"
	default:
		return "unknown"
	}
}

// Pool holds at most one spare read Pipe and one spare write Pipe for a
// single worker thread.
type Pool struct {
	spareRead  *pipe.Pipe
	spareWrite *pipe.Pipe
}

// New creates an empty loan pool for one worker.
func New() *Pool {
	return &Pool{}
}

// AcquireRead returns existing unchanged if non-nil (OutcomeExisting);
// otherwise it loans the pool's spare read pipe if one is available
// (OutcomeLoaned), or allocates a fresh one at DefaultCapacity
// (OutcomeAllocated).
func (p *Pool) AcquireRead(existing *pipe.Pipe) (*pipe.Pipe, Outcome) {
	if existing != nil {
		return existing, OutcomeExisting
	}
	if p.spareRead != nil {
		got := p.spareRead
		p.spareRead = nil
		return got, OutcomeLoaned
	}
	return pipe.New(pipe.DefaultCapacity), OutcomeAllocated
}

// AcquireWrite is AcquireRead's write-pipe counterpart.
func (p *Pool) AcquireWrite(existing *pipe.Pipe) (*pipe.Pipe, Outcome) {
	if existing != nil {
		return existing, OutcomeExisting
	}
	if p.spareWrite != nil {
		got := p.spareWrite
		p.spareWrite = nil
		return got, OutcomeLoaned
	}
	return pipe.New(pipe.DefaultCapacity), OutcomeAllocated
}

// ReleaseRead returns a connection's read pipe to the pool between
// commands, provided the pipe is empty and the pool has no spare already;
// otherwise the pipe is simply dropped (freed by the garbage collector).
// Callers must not return a DCP connection's pipes — spec.md §4.2 notes
// DCP traffic is continuous and those buffers never go idle.
func (p *Pool) ReleaseRead(pipe *pipe.Pipe) {
	if pipe == nil || !pipe.Empty() {
		return
	}
	if p.spareRead == nil {
		p.spareRead = pipe
	}
}

// ReleaseWrite is ReleaseRead's write-pipe counterpart.
func (p *Pool) ReleaseWrite(pipe *pipe.Pipe) {
	if pipe == nil || !pipe.Empty() {
		return
	}
	if p.spareWrite == nil {
		p.spareWrite = pipe
	}
}

// HasSpareRead reports whether the pool currently holds a spare read pipe,
// for tests and metrics.
func (p *Pool) HasSpareRead() bool { return p.spareRead != nil }

// HasSpareWrite reports whether the pool currently holds a spare write
// pipe, for tests and metrics.
func (p *Pool) HasSpareWrite() bool { return p.spareWrite != nil }
