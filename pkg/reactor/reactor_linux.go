//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor is the Linux epoll-backed Reactor implementation.
type epollReactor struct {
	epfd int
}

// New creates a Reactor backed by epoll_create1.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollReactor{epfd: epfd}, nil
}

func toEpollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) Register(fd int, interest Interest) error {
	event := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &event)
}

func (r *epollReactor) Modify(fd int, interest Interest) error {
	event := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &event)
}

func (r *epollReactor) Deregister(fd int) error {
	// The event argument is ignored by EPOLL_CTL_DEL on Linux but some
	// kernels prior to 2.6.9 required a non-nil pointer; pass a zero value
	// for safety across kernel versions.
	event := unix.EpollEvent{}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, &event)
}

func (r *epollReactor) Wait(timeout time.Duration) ([]Event, error) {
	msec := int(timeout.Milliseconds())
	if timeout <= 0 {
		msec = 0
	}

	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(r.epfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		events = append(events, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return events, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
