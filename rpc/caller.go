package rpc

import (
	"context"
	stderrors "errors"
	"net"
	"syscall"
	"time"

	perrors "github.com/pkg/errors"

	"github.com/localcomm/shmrpc/cmn/cos"
	"github.com/localcomm/shmrpc/cmn/nlog"
	"github.com/localcomm/shmrpc/registry"
	"github.com/localcomm/shmrpc/shm"
	"github.com/localcomm/shmrpc/wire"
)

// Caller is a Caller Stub bound to a single service name. It is safe for
// concurrent use by multiple goroutines: each Call allocates its own
// Shared Segment and dials its own connection.
type Caller struct {
	name string
	opts Options
}

// NewCaller validates name and returns a Caller Stub for it. It performs
// no I/O; service existence is only discovered on the first Call.
func NewCaller(name string, opts Options) (*Caller, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, perrors.Wrap(ErrProtocol, err.Error())
	}
	return &Caller{name: name, opts: opts}, nil
}

// Call performs one request/reply exchange against the bound service: it
// creates a Shared Segment for request, signals REQUEST over a fresh
// connection to the service's control socket, waits for READY and then
// DONE, reads the reply out of whichever segment DONE names, and cleans up
// every segment it touched before returning.
func (c *Caller) Call(ctx context.Context, request []byte) ([]byte, error) {
	capacity := int64(headerSize + len(request))
	if capacity < MinCapacity {
		capacity = MinCapacity
	}

	segName, reqSeg, err := createWithFreshName(c.name, capacity)
	if err != nil {
		return nil, perrors.Wrap(err, "allocate request segment")
	}
	cleanupReq := func() {
		reqSeg.Close()
		shm.Unlink(segName)
	}

	if err := reqSeg.WritePayload(request); err != nil {
		cleanupReq()
		return nil, perrors.Wrap(ErrTooLarge, err.Error())
	}

	deadline, hasDeadline := c.deadline(ctx)
	if hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cleanupReq()
		return nil, err
	}
	defer conn.Close()

	if hasDeadline {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteRequest(conn, segName, uint64(capacity)); err != nil {
		cleanupReq()
		return nil, perrors.Wrap(ErrTransport, err.Error())
	}

	ready, err := wire.ReadFrame(conn, c.opts.maxFrame())
	if err != nil {
		cleanupReq()
		return nil, transportOrProtocol(err)
	}
	switch ready.Tag {
	case wire.TagReady:
		// proceed
	case wire.TagError:
		cleanupReq()
		return nil, &RemoteError{Message: ready.Message}
	default:
		cleanupReq()
		return nil, perrors.Wrapf(ErrProtocol, "expected READY, got tag %#x", ready.Tag)
	}

	done, err := wire.ReadFrame(conn, c.opts.maxFrame())
	if err != nil {
		cleanupReq()
		return nil, transportOrProtocol(err)
	}
	switch done.Tag {
	case wire.TagDone:
		// proceed
	case wire.TagError:
		cleanupReq()
		return nil, &RemoteError{Message: done.Message}
	default:
		cleanupReq()
		return nil, perrors.Wrapf(ErrProtocol, "expected DONE, got tag %#x", done.Tag)
	}

	if done.Name == segName {
		reply, err := reqSeg.ReadPayload()
		cleanupReq()
		if err != nil {
			return nil, perrors.Wrap(ErrProtocol, err.Error())
		}
		return reply, nil
	}

	replySeg, err := shm.Open(done.Name)
	if err != nil {
		cleanupReq()
		return nil, perrors.Wrap(ErrTransport, err.Error())
	}
	reply, err := replySeg.ReadPayload()
	replySeg.Close()
	shm.Unlink(done.Name)
	cleanupReq()
	if err != nil {
		return nil, perrors.Wrap(ErrProtocol, err.Error())
	}
	return reply, nil
}

// createWithFreshName retries segment creation under a new name on a
// stale-name collision: the name carries a pid and a process-local
// counter, so collision only happens against a segment some prior process
// leaked under the same pid (e.g. after a pid wraparound).
func createWithFreshName(service string, capacity int64) (string, *shm.Segment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		name := registry.NewSegmentName(service)
		seg, err := shm.Create(name, capacity)
		if err == nil {
			return name, seg, nil
		}
		if perrors.Is(err, shm.ErrAlreadyExists) {
			nlog.Warningf("shm: stale name collision on %s, retrying", name)
			continue
		}
		return "", nil, err
	}
	return "", nil, perrors.New("rpc: exhausted retries minting a fresh segment name")
}

func (c *Caller) dial(ctx context.Context) (*net.UnixConn, error) {
	dir := c.opts.RuntimeDir
	if dir == "" {
		dir = registry.RuntimeDir()
	}
	path := registry.SocketPath(dir, c.name)

	d := net.Dialer{Timeout: c.opts.dialTimeout()}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if stderrors.Is(err, syscall.ENOENT) || cos.IsRetriableConnErr(err) {
			return nil, perrors.Wrap(ErrNotFound, err.Error())
		}
		return nil, perrors.Wrap(ErrTransport, err.Error())
	}
	return nc.(*net.UnixConn), nil
}

func (c *Caller) deadline(ctx context.Context) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if c.opts.CallTimeout > 0 {
		return time.Now().Add(c.opts.CallTimeout), true
	}
	return time.Time{}, false
}

func transportOrProtocol(err error) error {
	if cos.IsEOF(err) {
		return perrors.Wrap(ErrTransport, "peer closed")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return perrors.Wrap(ErrTransport, "timeout")
	}
	if perrors.Is(err, wire.ErrProtocol) || perrors.Is(err, wire.ErrFrameTooLarge) {
		return perrors.Wrap(ErrProtocol, err.Error())
	}
	return perrors.Wrap(ErrTransport, err.Error())
}
