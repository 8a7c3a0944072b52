// Package shm implements the Shared Segment: a POSIX shared-memory object
// used to carry request and reply payloads between a caller and a service
// host on the same host.
//
// Layout: an 8-byte little-endian length prefix followed by the payload.
// The prefix records how many payload bytes are valid; the remainder of
// the segment up to its allocated capacity is unused padding.
package shm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/localcomm/shmrpc/cmn/debug"
)

const headerSize = 8

var (
	ErrAlreadyExists = errors.New("shm: segment already exists")
	ErrNotFound      = errors.New("shm: segment not found")
	ErrNoSpace       = errors.New("shm: no space left")
	ErrTooLarge      = errors.New("shm: payload exceeds segment capacity")
	ErrCorrupt       = errors.New("shm: corrupt length prefix")
)

// Segment is a mapped shared-memory region. It is not safe for concurrent
// use by multiple goroutines without external synchronization, matching
// the single-threaded rendezvous the wire protocol assumes.
type Segment struct {
	name string
	fd   int
	data []byte
	capa int64
}

// Create allocates a new named segment of the given capacity (including the
// 8-byte header) and maps it for read/write. The name must be a POSIX
// shm_open-style name, i.e. it begins with a single leading slash.
func Create(name string, capacity int64) (*Segment, error) {
	debug.Assert(capacity > headerSize)
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, errors.Wrapf(ErrAlreadyExists, "create %s", name)
		}
		return nil, errors.Wrapf(err, "shm create %s", name)
	}
	seg, err := mapFD(name, fd, capacity, true)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, err
	}
	return seg, nil
}

// Open maps an existing segment for reading and writing. The capacity is
// derived from the segment's current size on disk.
func Open(name string) (*Segment, error) {
	path, err := shmPath(name)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, errors.Wrapf(ErrNotFound, "open %s", name)
		}
		return nil, errors.Wrapf(err, "shm open %s", name)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "shm fstat %s", name)
	}
	if st.Size < headerSize {
		unix.Close(fd)
		return nil, errors.Wrapf(ErrCorrupt, "segment %s too small (%d bytes)", name, st.Size)
	}
	return mapFD(name, fd, st.Size, false)
}

func mapFD(name string, fd int, capacity int64, truncate bool) (*Segment, error) {
	if truncate {
		if err := unix.Ftruncate(fd, capacity); err != nil {
			if errors.Is(err, unix.ENOSPC) {
				return nil, errors.Wrapf(ErrNoSpace, "ftruncate %s", name)
			}
			return nil, errors.Wrapf(err, "ftruncate %s", name)
		}
	}
	data, err := unix.Mmap(fd, 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", name)
	}
	return &Segment{name: name, fd: fd, data: data, capa: capacity}, nil
}

// Name returns the segment's shm name, including its leading slash.
func (s *Segment) Name() string { return s.name }

// Capacity returns the total mapped size, header included.
func (s *Segment) Capacity() int64 { return s.capa }

// WritePayload copies b into the segment, preceded by its length. It fails
// with ErrTooLarge if b does not fit within capacity-8.
func (s *Segment) WritePayload(b []byte) error {
	if int64(len(b)) > s.capa-headerSize {
		return errors.Wrapf(ErrTooLarge, "%d bytes into %d-byte segment %s", len(b), s.capa, s.name)
	}
	binary.LittleEndian.PutUint64(s.data[:headerSize], uint64(len(b)))
	copy(s.data[headerSize:], b)
	return nil
}

// ReadPayload returns a copy of the payload bytes currently recorded in the
// segment's length prefix.
func (s *Segment) ReadPayload() ([]byte, error) {
	n := binary.LittleEndian.Uint64(s.data[:headerSize])
	if int64(n) > s.capa-headerSize {
		return nil, errors.Wrapf(ErrCorrupt, "segment %s claims %d bytes, capacity %d", s.name, n, s.capa)
	}
	out := make([]byte, n)
	copy(out, s.data[headerSize:headerSize+int64(n)])
	return out, nil
}

// Close unmaps the segment and closes its descriptor. It does not remove
// the name from the filesystem; call Unlink for that. Close is idempotent.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}

// Unlink removes a segment's name from the filesystem. A name that is
// already absent is not an error, so callers may unlink defensively from
// more than one place without coordination.
func Unlink(name string) error {
	path, err := shmPath(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return errors.Wrapf(err, "shm unlink %s", name)
	}
	return nil
}

func shmPath(name string) (string, error) {
	if len(name) == 0 || name[0] != '/' {
		return "", fmt.Errorf("shm: name %q must begin with a leading slash", name)
	}
	return backingDir + name[1:], nil
}
