//go:build !linux

package shm

import "os"

// Non-Linux unixes (no universal tmpfs convention akin to /dev/shm) fall
// back to a directory under the system temp path.
var backingDir = os.TempDir() + "/shmrpc-shm/"

func init() {
	os.MkdirAll(backingDir, 0o700)
}
