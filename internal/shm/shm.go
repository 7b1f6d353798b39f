// Package shm maps a named fixed-size shared-memory segment and copies raw
// frame bytes in and out of it. It is a byte-copy primitive only: no
// locking, no readiness flags. Producer/consumer coordination belongs to
// the process pair sharing the segment.
package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// shmDir is where POSIX shared-memory objects appear on Linux.
const shmDir = "/dev/shm"

var (
	// ErrBounds reports a copy that would run past the end of the segment.
	ErrBounds = errors.New("shm: range outside segment")

	// ErrClosed reports use of a segment after Close.
	ErrClosed = errors.New("shm: segment closed")
)

// Segment is a mapped shared-memory object. It claims no exclusivity over
// the underlying bytes; external processes may map the same name.
type Segment struct {
	name string
	fd   int
	data []byte
}

// Open creates (if needed) and maps the named segment at the given size.
// Size must be positive; an existing object is grown to size if smaller.
func Open(name string, size int) (*Segment, error) {
	if name == "" {
		return nil, errors.New("shm: empty segment name")
	}
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}

	path := filepath.Join(shmDir, strings.TrimPrefix(name, "/"))
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil && st.Size < int64(size) {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("shm: resize %s to %d: %w", path, size, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Segment{name: name, fd: fd, data: data}, nil
}

// Name returns the segment name as given to Open.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.data)
}

// WriteAt copies b into the segment at off.
func (s *Segment) WriteAt(b []byte, off int) error {
	if s.data == nil {
		return ErrClosed
	}
	if off < 0 || off+len(b) > len(s.data) {
		return fmt.Errorf("%w: write [%d,%d) of %d", ErrBounds, off, off+len(b), len(s.data))
	}
	copy(s.data[off:], b)
	return nil
}

// ReadAt copies len(b) bytes out of the segment at off.
func (s *Segment) ReadAt(b []byte, off int) error {
	if s.data == nil {
		return ErrClosed
	}
	if off < 0 || off+len(b) > len(s.data) {
		return fmt.Errorf("%w: read [%d,%d) of %d", ErrBounds, off, off+len(b), len(s.data))
	}
	copy(b, s.data[off:])
	return nil
}

// Close unmaps the segment and closes the descriptor. It does not unlink
// the object: other processes may still hold it. Closing twice is a no-op.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	s.fd = -1
	return err
}

// Unlink removes the named object from the system. Mappings held by any
// process stay valid until unmapped.
func Unlink(name string) error {
	path := filepath.Join(shmDir, strings.TrimPrefix(name, "/"))
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("shm: unlink %s: %w", path, err)
	}
	return nil
}
