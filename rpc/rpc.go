// Package rpc implements the Caller Stub and Service Host halves of the
// transport: the request/reply exchange that rendezvouses a Shared
// Segment through a Control Channel handshake.
package rpc

import (
	"time"

	"github.com/pkg/errors"
)

// MinCapacity is the smallest Shared Segment a Caller will allocate for a
// request, header included. Small requests still get a 64 KiB segment
// so that a handler's typically-larger reply has room to reuse it.
const MinCapacity = 64 * 1024

const headerSize = 8

var (
	// ErrNotFound reports that no Service Host is listening under the
	// requested name.
	ErrNotFound = errors.New("rpc: service not found")
	// ErrTransport reports a failure of the underlying socket or segment
	// plumbing: a dial failure, a mid-call disconnect, or a peer that
	// closed before completing the handshake.
	ErrTransport = errors.New("rpc: transport failure")
	// ErrProtocol reports a control-channel message that violates the
	// handshake's expected sequence.
	ErrProtocol = errors.New("rpc: protocol violation")
	// ErrTooLarge reports a request or reply exceeding configured limits.
	ErrTooLarge = errors.New("rpc: payload too large")
	// ErrAddressInUse reports that a name is already registered by a
	// live Service Host.
	ErrAddressInUse = errors.New("rpc: address in use")
)

// RemoteError wraps the message carried by an ERROR frame, i.e. a failure
// reported by the peer rather than observed locally.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "rpc: remote error: " + e.Message }

// Options configures a Caller or a Host. The zero value is usable; fields
// left unset fall back to the defaults below.
type Options struct {
	// RuntimeDir overrides the directory that holds control sockets.
	// Empty means registry.RuntimeDir().
	RuntimeDir string
	// MaxFrame bounds a single control frame. Zero means
	// wire.DefaultMaxFrame.
	MaxFrame int
	// DialTimeout bounds connecting to a Host's control socket.
	DialTimeout time.Duration
	// CallTimeout bounds an entire call, dial included. Zero means no
	// deadline beyond ctx's.
	CallTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 2 * time.Second
}

func (o Options) maxFrame() int {
	if o.MaxFrame > 0 {
		return o.MaxFrame
	}
	return 0 // wire substitutes DefaultMaxFrame
}
