package rpc

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrTimeout reports that no registered socket became ready within the
// requested wait.
var ErrTimeout = errors.New("rpc: poll timeout")

// ErrNoServices reports that a Host has no registered listeners to wait on.
var ErrNoServices = errors.New("rpc: no registered services")

// pollReady blocks until one of listeners becomes ready to accept, or
// timeoutMs elapses (negative means block indefinitely), and returns the
// name under which the ready listener was registered. This is the single
// readiness primitive a Host uses to cooperatively multiplex its sockets
// on one goroutine, mirroring what poll/epoll/kqueue give a single-
// threaded dispatcher on their respective platforms.
func pollReady(listeners map[string]*net.UnixListener, timeoutMs int) (string, error) {
	if len(listeners) == 0 {
		return "", ErrNoServices
	}
	names := make([]string, 0, len(listeners))
	pfds := make([]unix.PollFd, 0, len(listeners))
	for name, ln := range listeners {
		rc, err := ln.SyscallConn()
		if err != nil {
			return "", errors.Wrapf(err, "syscallconn for %s", name)
		}
		var fd int
		cerr := rc.Control(func(raw uintptr) { fd = int(raw) })
		if cerr != nil {
			return "", errors.Wrapf(cerr, "control for %s", name)
		}
		names = append(names, name)
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return "", ErrTimeout
		}
		return "", errors.Wrap(err, "poll")
	}
	if n == 0 {
		return "", ErrTimeout
	}
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			return names[i], nil
		}
	}
	return "", ErrTimeout
}
