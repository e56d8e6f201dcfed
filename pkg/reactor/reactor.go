// Package reactor implements the thin non-blocking readiness notifier the
// core's worker threads drive their connections from (spec.md §2.3): a
// level-triggered read/write event source with a per-Wait timeout. On
// Linux it is backed by epoll (grounded on golang.org/x/sys/unix, the same
// package xDarkicex-zippy uses for its splice(2) fast path); on other
// platforms it degrades to an error, matching the teacher-adjacent
// splice_linux.go / splice_other.go platform split.
package reactor

import "time"

// Interest is a bitmask of readiness conditions a connection wants to be
// woken for.
type Interest uint8

// Interest bits.
const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event reports which readiness conditions fired for a registered fd.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Err is set when the fd reported an error or hang-up condition; the
	// caller should treat the connection as if read returned an error.
	Err bool
}

// Reactor is a non-blocking readiness notifier. A single Reactor is owned
// by exactly one Worker Thread and is never shared across threads.
type Reactor interface {
	// Register begins level-triggered notification for fd according to
	// interest.
	Register(fd int, interest Interest) error

	// Modify changes the interest set for an already-registered fd. The
	// state machine uses this on every transition that changes which
	// readiness conditions it cares about (e.g. dropping InterestWrite
	// after an engine would-block in ship_log, spec.md §4.7).
	Modify(fd int, interest Interest) error

	// Deregister stops all notification for fd. The state machine calls
	// this when a connection suspends on an engine would-block (spec.md
	// §3 invariant (ii)) and again on closing.
	Deregister(fd int) error

	// Wait blocks for up to timeout for at least one ready fd, returning
	// the events that fired. A timeout <= 0 means return immediately if
	// nothing is ready.
	Wait(timeout time.Duration) ([]Event, error)

	// Close releases the underlying OS resource.
	Close() error
}
