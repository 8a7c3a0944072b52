package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	perrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/localcomm/shmrpc/cmn/cos"
	"github.com/localcomm/shmrpc/cmn/nlog"
	"github.com/localcomm/shmrpc/registry"
	"github.com/localcomm/shmrpc/shm"
	"github.com/localcomm/shmrpc/wire"
)

// Handler answers one request payload with a reply payload, or an error.
// A panic inside a Handler is recovered and reported to the caller as a
// RemoteError, the same as a returned error.
type Handler func(request []byte) ([]byte, error)

// Host is a Service Host: it owns zero or more named control sockets and
// dispatches incoming calls to their registered handlers. RunForever
// drives it single-threaded; RunConcurrent spreads RunOne across a worker
// pool while still serializing handler execution per service name.
type Host struct {
	opts Options
	dir  string

	mu        sync.Mutex
	listeners map[string]*net.UnixListener
	handlers  map[string]Handler
	svcLocks  map[string]*sync.Mutex

	stopCh chan struct{}
	stopOn sync.Once
}

// NewHost returns a Host ready to accept Register calls.
func NewHost(opts Options) *Host {
	dir := opts.RuntimeDir
	if dir == "" {
		dir = registry.RuntimeDir()
	}
	return &Host{
		opts:      opts,
		dir:       dir,
		listeners: make(map[string]*net.UnixListener),
		handlers:  make(map[string]Handler),
		svcLocks:  make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// Register binds a control socket for name and associates handler with it.
// A stale socket left behind by a crashed prior owner is unlinked and
// rebound transparently; a socket actively owned by a live Host fails with
// ErrAddressInUse.
func (h *Host) Register(name string, handler Handler) error {
	if err := registry.ValidateName(name); err != nil {
		return perrors.Wrap(ErrProtocol, err.Error())
	}
	path := registry.SocketPath(h.dir, name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[name]; ok {
		return perrors.Wrapf(ErrAddressInUse, "%s already registered locally", name)
	}

	if isLiveSocket(path) {
		return perrors.Wrapf(ErrAddressInUse, "%s: another host is already listening", name)
	}
	unlinkStale(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return perrors.Wrap(ErrTransport, err.Error())
	}
	if err := chmodSocket(path); err != nil {
		ln.Close()
		return perrors.Wrap(ErrTransport, err.Error())
	}

	h.listeners[name] = ln
	h.handlers[name] = handler
	h.svcLocks[name] = &sync.Mutex{}
	return nil
}

// Unregister closes name's control socket, removes its filesystem entry,
// and drops its handler.
func (h *Host) Unregister(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ln, ok := h.listeners[name]
	if !ok {
		return nil
	}
	delete(h.listeners, name)
	delete(h.handlers, name)
	delete(h.svcLocks, name)
	err := ln.Close()
	unlinkStale(registry.SocketPath(h.dir, name))
	return err
}

// RegisteredNames returns the service names currently registered on this
// Host. Used by housekeeping to tell a locally owned socket apart from one
// left behind by some other, possibly dead, process.
func (h *Host) RegisteredNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	return names
}

// Stop causes any blocked or future RunOne/RunForever call to return
// promptly. It does not unregister services; call Unregister for that.
func (h *Host) Stop() {
	h.stopOn.Do(func() { close(h.stopCh) })
}

// RunOne waits up to timeout (0 means indefinitely) for one connection to
// arrive on any registered socket, services exactly one call on it, and
// returns. It returns ErrTimeout if the wait elapses without a connection
// or another dispatch goroutine accepted the pending connection first, and
// ErrNoServices if nothing is registered.
func (h *Host) RunOne(timeout time.Duration) error {
	h.mu.Lock()
	snapshot := make(map[string]*net.UnixListener, len(h.listeners))
	for k, v := range h.listeners {
		snapshot[k] = v
	}
	h.mu.Unlock()

	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}
	name, err := pollReady(snapshot, ms)
	if err != nil {
		return err
	}

	ln := snapshot[name]
	// Every RunConcurrent worker polling this listener wakes for the same
	// pending connection; a short accept deadline lets the ones that lose
	// the race return instead of blocking until the next connection.
	const acceptWait = 50 * time.Millisecond
	ln.SetDeadline(time.Now().Add(acceptWait))
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return perrors.Wrap(ErrTransport, err.Error())
	}
	h.mu.Lock()
	handler := h.handlers[name]
	svcLock := h.svcLocks[name]
	h.mu.Unlock()
	h.handleConn(conn.(*net.UnixConn), handler, svcLock)
	return nil
}

// RunConcurrent runs n dispatch goroutines sharing this Host's registered
// sockets until ctx is cancelled, returning the first worker error (if
// any). Unlike RunForever, a slow handler for one service does not stall
// connections to other services: per-connection I/O overlaps freely, and
// only actual handler execution is serialized per service name, matching
// the "at-most-one-handler-per-service" requirement a pooled dispatcher
// must preserve.
func (h *Host) RunConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-h.stopCh:
					return nil
				default:
				}
				err := h.RunOne(200 * time.Millisecond)
				switch {
				case err == nil, perrors.Is(err, ErrTimeout):
				case perrors.Is(err, ErrNoServices):
					time.Sleep(200 * time.Millisecond)
				default:
					nlog.Warningf("rpc: host dispatch: %v", err)
				}
			}
		})
	}
	return g.Wait()
}

// RunForever services calls until Stop is called. Poll timeouts are ignored
// and other dispatch errors are logged; neither ends the loop.
func (h *Host) RunForever() error {
	for {
		select {
		case <-h.stopCh:
			return nil
		default:
		}
		err := h.RunOne(200 * time.Millisecond)
		switch {
		case err == nil, perrors.Is(err, ErrTimeout):
		case perrors.Is(err, ErrNoServices):
			time.Sleep(200 * time.Millisecond)
		default:
			nlog.Warningf("rpc: host dispatch: %v", err)
		}
	}
}

func (h *Host) handleConn(conn *net.UnixConn, handler Handler, svcLock *sync.Mutex) {
	defer conn.Close()

	req, err := wire.ReadFrame(conn, h.opts.maxFrame())
	if err != nil {
		if !cos.IsEOF(err) {
			nlog.Warningf("rpc: read request frame: %v", err)
		}
		return
	}
	if req.Tag != wire.TagRequest {
		wire.WriteError(conn, "expected REQUEST frame")
		return
	}

	seg, err := shm.Open(req.Name)
	if err != nil {
		wire.WriteError(conn, "open segment: "+err.Error())
		return
	}
	payload, err := seg.ReadPayload()
	if err != nil {
		wire.WriteError(conn, "corrupt segment: "+err.Error())
		seg.Close()
		shm.Unlink(req.Name)
		return
	}

	if err := wire.WriteReady(conn); err != nil {
		seg.Close()
		return
	}

	if svcLock != nil {
		svcLock.Lock()
	}
	reply, herr := safeInvoke(handler, payload)
	if svcLock != nil {
		svcLock.Unlock()
	}
	if herr != nil {
		seg.Close()
		shm.Unlink(req.Name)
		wire.WriteError(conn, herr.Error())
		return
	}

	var (
		replyName string
		replyCap  uint64
	)
	if int64(headerSize+len(reply)) <= seg.Capacity() {
		if err := seg.WritePayload(reply); err != nil {
			seg.Close()
			shm.Unlink(req.Name)
			wire.WriteError(conn, "reuse segment: "+err.Error())
			return
		}
		replyName, replyCap = req.Name, uint64(seg.Capacity())
		seg.Close()
	} else {
		newCap := nextPageMultiple(headerSize + len(reply))
		newName := registry.NewSegmentName("reply")
		newSeg, err := shm.Create(newName, newCap)
		seg.Close()
		if err != nil {
			wire.WriteError(conn, "allocate reply segment: "+err.Error())
			return
		}
		if err := newSeg.WritePayload(reply); err != nil {
			newSeg.Close()
			shm.Unlink(newName)
			wire.WriteError(conn, "write reply: "+err.Error())
			return
		}
		newSeg.Close()
		replyName, replyCap = newName, uint64(newCap)
	}

	if err := wire.WriteDone(conn, replyName, replyCap); err != nil {
		// the caller went away before collecting the reply; since it
		// will never unlink a segment it never learned the name of,
		// that responsibility falls back to us.
		if replyName != req.Name {
			shm.Unlink(replyName)
		}
		nlog.Warningf("rpc: caller disappeared mid-reply for %s: %v", req.Name, err)
	}
}

func safeInvoke(handler Handler, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = perrors.Errorf("handler panic: %v", r)
		}
	}()
	return handler(payload)
}

func nextPageMultiple(n int) int64 {
	const page = 4096
	if n <= 0 {
		return page
	}
	return int64((n + page - 1) / page * page)
}
