package bar

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/barprobe/pkg/types"
)

// Region is an active shared mapping of a sysfs resource file. A Region
// returned by Map is fully valid until Close; there is no partially mapped state.
type Region struct {
	path string
	file *os.File
	mem  []byte
	size int64
}

// Map opens path read-write with O_SYNC, sizes it from its metadata and maps
// the whole file shared at offset zero. On failure every acquired resource is
// released before returning.
//
// The size is the resource file length reported by sysfs, which is only a proxy
// for the BAR length. A failed or zero size query is logged and mapping is
// still attempted with the size obtained; the kernel then rejects the zero
// length and the error surfaces as ErrMapping.
func Map(path string) (*Region, error) {
	log.WithField("path", path).Info("opening BAR file")
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, &types.OpError{Op: "open", Err: fmt.Errorf("%w %s (run as root?): %w", types.ErrResourceOpen, path, err)}
	}

	size, err := resourceSize(file)
	if err != nil {
		log.WithField("path", path).Warnf("%v", err)
	}
	log.Debugf("stat returned BAR size %d (%d MB)", size, size/types.MiB)

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, &types.OpError{Op: "mmap", Err: fmt.Errorf("%w: %s: %w", types.ErrMapping, path, err)}
	}
	log.Debug("mmap succeeded")

	return &Region{
		path: path,
		file: file,
		mem:  mem,
		size: size,
	}, nil
}

// resourceSize returns the file length, or zero with ErrSizeQuery.
func resourceSize(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrSizeQuery, err)
	}
	if info.Size() <= 0 || info.Size() > math.MaxInt {
		return 0, fmt.Errorf("%w: resource file reports size %d", types.ErrSizeQuery, info.Size())
	}
	return info.Size(), nil
}

// Close unmaps the region and closes its descriptor. It is safe to call twice.
func (r *Region) Close() error {
	var errs []error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		r.mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		r.file = nil
	}
	return errors.Join(errs...)
}

// Size returns the mapped length in bytes.
func (r *Region) Size() int64 {
	return r.size
}

// Path returns the mapped resource file.
func (r *Region) Path() string {
	return r.path
}

// ReadWindow copies types.ProbeWindow bytes starting at offsetMB megabytes.
// The window is checked against the mapped length before any access.
func (r *Region) ReadWindow(offsetMB uint64) ([]byte, error) {
	start, err := windowStart(offsetMB, r.size)
	if err != nil {
		return nil, err
	}
	if r.mem == nil {
		return nil, fmt.Errorf("region %s is not mapped", r.path)
	}
	data := make([]byte, types.ProbeWindow)
	copy(data, r.mem[start:start+types.ProbeWindow])
	return data, nil
}

// Find returns the offset of the first occurrence of pattern, or -1.
func (r *Region) Find(pattern []byte) int64 {
	if len(pattern) == 0 || r.mem == nil {
		return -1
	}
	return int64(bytes.Index(r.mem, pattern))
}

// windowStart converts offsetMB to a byte offset and rejects windows that end
// past size, including offsets whose byte value overflows.
func windowStart(offsetMB uint64, size int64) (uint64, error) {
	if offsetMB > math.MaxUint64/types.MiB {
		return 0, fmt.Errorf("%w: offset %d MB overflows", types.ErrBoundsViolation, offsetMB)
	}
	start := offsetMB * types.MiB
	if size < 0 || start > uint64(size) || uint64(size)-start < types.ProbeWindow {
		return 0, fmt.Errorf("%w: offset %d MB + %d bytes > %d bytes", types.ErrBoundsViolation, offsetMB, types.ProbeWindow, size)
	}
	return start, nil
}
