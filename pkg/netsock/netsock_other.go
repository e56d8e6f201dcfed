//go:build !linux
// +build !linux

package netsock

import "errors"

// ErrUnsupported mirrors pkg/reactor's non-Linux stub: this module's
// worker loop only drives connections through the epoll reactor, so
// there is nothing for a non-Linux raw-fd Socket to do.
var ErrUnsupported = errors.New("netsock: non-blocking raw-fd sockets are only implemented on linux")

func setNonblock(int) error { return ErrUnsupported }

func (s *Socket) Read([]byte) (int, error)  { return 0, ErrUnsupported }
func (s *Socket) Write([]byte) (int, error) { return 0, ErrUnsupported }
