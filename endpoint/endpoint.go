// Package endpoint implements EndPoint: the process-wide façade over the
// Caller Stub and Service Host, adding the housekeeping that keeps a
// long-running process from leaking control sockets or Shared Segments.
package endpoint

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/localcomm/shmrpc/cmn/cos"
	"github.com/localcomm/shmrpc/cmn/mono"
	"github.com/localcomm/shmrpc/cmn/nlog"
	"github.com/localcomm/shmrpc/hk"
	"github.com/localcomm/shmrpc/registry"
	"github.com/localcomm/shmrpc/rpc"
	"github.com/localcomm/shmrpc/shm"
	"github.com/localcomm/shmrpc/stats"
	"github.com/localcomm/shmrpc/sys"
)

// EndPoint aggregates every service a process hosts and every service it
// calls, reusing one Host and one cached Caller per name.
type EndPoint struct {
	// ID identifies this process's EndPoint in logs, distinct from any
	// particular service name it hosts or calls.
	ID string

	opts    rpc.Options
	dir     string
	coll    *stats.Collector
	host    *rpc.Host
	hkTag   string
	baseFDs int

	mu      sync.Mutex
	callers map[string]*rpc.Caller
}

// New returns an EndPoint ready to create services and callers. If coll is
// non-nil, calls made through Call and requests served by services created
// with CreateService are recorded against it; calls made directly on a
// Caller returned by CreateServiceCaller are not.
func New(opts rpc.Options, coll *stats.Collector) *EndPoint {
	id := cos.GenDaemonID()
	nlog.SetTitle(id)
	dir := opts.RuntimeDir
	if dir == "" {
		dir = registry.RuntimeDir()
	}
	return &EndPoint{
		ID:      id,
		opts:    opts,
		dir:     dir,
		coll:    coll,
		host:    rpc.NewHost(opts),
		hkTag:   "endpoint." + id + hk.NameSuffix,
		baseFDs: sys.OpenFDs(),
		callers: make(map[string]*rpc.Caller),
	}
}

// CreateService registers handler under name, instrumenting it with
// metrics if a Collector was configured.
func (e *EndPoint) CreateService(name string, handler rpc.Handler) error {
	wrapped := handler
	if e.coll != nil {
		wrapped = e.coll.WrapHandler(name, handler)
	}
	return e.host.Register(name, wrapped)
}

// RemoveService unregisters a previously created service.
func (e *EndPoint) RemoveService(name string) error {
	return e.host.Unregister(name)
}

// CreateServiceCaller returns a Caller Stub for name, creating and caching
// it on first use.
func (e *EndPoint) CreateServiceCaller(name string) (*rpc.Caller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.callers[name]; ok {
		return c, nil
	}
	c, err := rpc.NewCaller(name, e.opts)
	if err != nil {
		return nil, err
	}
	e.callers[name] = c
	return c, nil
}

// Call is a convenience wrapper that looks up (or creates) a cached Caller
// for name and performs the exchange, recording metrics if configured.
func (e *EndPoint) Call(ctx context.Context, name string, request []byte) ([]byte, error) {
	c, err := e.CreateServiceCaller(name)
	if err != nil {
		return nil, err
	}
	if e.coll == nil {
		return c.Call(ctx, request)
	}
	start := mono.NanoTime()
	reply, err := c.Call(ctx, request)
	e.coll.ObserveCall(name, time.Duration(mono.NanoTime()-start), err)
	return reply, err
}

// Spin runs the Service Host's dispatch loop until ctx is cancelled,
// registering a once-a-minute housekeeping sweep with hk.DefaultHK for the
// duration. Spin does not start the housekeeper itself: the sweep runs only
// while hk.DefaultHK.Run is running in the process.
func (e *EndPoint) Spin(ctx context.Context) error {
	hk.Reg(e.hkTag, e.sweep, time.Minute)
	defer hk.Unreg(e.hkTag)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		e.host.Stop()
		close(done)
	}()

	err := e.host.RunForever()
	<-done
	return err
}

// sweep is registered with hk for the lifetime of Spin and runs once a
// minute while hk.DefaultHK.Run is running. It combines an fd-leak self-check with a scan for stale resources
// left behind by some other, possibly dead, process.
func (e *EndPoint) sweep() time.Duration {
	e.checkFDs()
	e.sweepStaleSockets()
	e.sweepStaleSegments()
	return time.Minute
}

// checkFDs compares the process's current open-fd count against the count
// observed at New, which flags a leaked socket or Shared Segment mapping
// long before it becomes an operational problem. A negative count means
// the platform doesn't expose one (non-Linux) and the check is skipped.
func (e *EndPoint) checkFDs() {
	if e.baseFDs < 0 {
		return
	}
	if cur := sys.OpenFDs(); cur >= 0 && cur > e.baseFDs+16 {
		nlog.Warningf("endpoint %s: open fds grew from %d to %d, possible leak", e.ID, e.baseFDs, cur)
	}
}

// sweepStaleSockets removes control sockets under the runtime directory
// that name no service this EndPoint's Host has registered and that no
// other live Host answers on: left behind by a process that crashed
// without calling RemoveService.
func (e *EndPoint) sweepStaleSockets() {
	names, err := registry.ListSocketNames(e.dir)
	if err != nil {
		nlog.Warningf("endpoint %s: list sockets in %s: %v", e.ID, e.dir, err)
		return
	}
	owned := make(map[string]bool)
	for _, n := range e.host.RegisteredNames() {
		owned[n] = true
	}
	for _, name := range names {
		if owned[name] {
			continue
		}
		path := registry.SocketPath(e.dir, name)
		if registry.ProbeLiveSocket(path) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			nlog.Warningf("endpoint %s: remove stale socket %s: %v", e.ID, path, err)
			continue
		}
		nlog.Warningf("endpoint %s: reclaimed stale socket %s", e.ID, path)
	}
}

// sweepStaleSegments removes shm segments minted by NewSegmentName whose
// owning pid (encoded in the name) is no longer running. A segment whose
// name doesn't follow that convention, or whose owner is still alive
// (including this process, mid-call), is left alone.
func (e *EndPoint) sweepStaleSegments() {
	names, err := shm.ListNames()
	if err != nil {
		nlog.Warningf("endpoint %s: list shm segments: %v", e.ID, err)
		return
	}
	for _, name := range names {
		pid, ok := registry.ParseSegmentOwner(name)
		if !ok || sys.ProcessAlive(pid) {
			continue
		}
		if err := shm.Unlink(name); err != nil {
			nlog.Warningf("endpoint %s: reclaim stale segment %s: %v", e.ID, name, err)
			continue
		}
		nlog.Warningf("endpoint %s: reclaimed stale segment %s (owner pid %d gone)", e.ID, name, pid)
	}
}
