package rpc

import (
	"os"

	"github.com/localcomm/shmrpc/registry"
)

// isLiveSocket reports whether path is a Unix socket currently accepting
// connections, i.e. owned by a running Host. A stale socket left behind by
// a crashed process refuses the connection or the path simply doesn't
// resolve; either way this returns false and the caller is free to unlink
// and rebind.
func isLiveSocket(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return registry.ProbeLiveSocket(path)
}

func unlinkStale(path string) {
	os.Remove(path)
}

func chmodSocket(path string) error {
	return os.Chmod(path, 0o600)
}
