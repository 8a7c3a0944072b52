// Package registry implements the Service Registry: the filesystem naming
// convention by which a Caller Stub locates a Service Host's control
// socket, and by which fresh Shared Segment names are minted.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"unicode"

	"github.com/pkg/errors"

	"github.com/localcomm/shmrpc/cmn/cos"
)

// MaxNameLen bounds a service name, matching the historical limit on
// sun_path-style socket paths once the "lc-" prefix and ".sock" suffix are
// accounted for.
const MaxNameLen = 96

// ErrInvalidName reports a service name that fails validation: empty, too
// long, containing non-printable or non-ASCII runes, or containing a path
// separator.
var ErrInvalidName = errors.New("registry: invalid service name")

// ValidateName checks name against the Service Registry's naming rules.
// It must be checked, and must fail, before any socket or segment is
// created for a malformed name.
func ValidateName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty name")
	}
	if len(name) > MaxNameLen {
		return errors.Wrapf(ErrInvalidName, "name %q exceeds %d bytes", name, MaxNameLen)
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return errors.Wrapf(ErrInvalidName, "name %q contains a path separator", name)
		}
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return errors.Wrapf(ErrInvalidName, "name %q contains a non-printable-ASCII rune", name)
		}
	}
	return nil
}

// RuntimeDir resolves the directory under which control sockets live:
// $XDG_RUNTIME_DIR if set, else /tmp.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// SocketPath derives a service's control socket path from its name.
func SocketPath(runtimeDir, name string) string {
	return runtimeDir + "/lc-" + name + ".sock"
}

var segSeq atomic.Uint64

// NewSegmentName mints a fresh Shared Segment name for a call against
// service. Names are process- and call-unique: pid plus a monotonically
// increasing counter rendered as a short filesystem-safe string, so a
// retry after a stale-name collision always picks a fresh one.
func NewSegmentName(service string) string {
	seq := segSeq.Add(1)
	return fmt.Sprintf("/lc-%s-%d-%s", service, os.Getpid(), cos.GenBEID(seq, 6))
}
