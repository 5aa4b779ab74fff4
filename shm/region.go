// Package shm maps named POSIX shared-memory segments used as the
// cross-process host staging banks in the bank map (ConnectMap) when the
// proxy and compute engine do not share an address space.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped, named shared-memory segment. The zero value is
// not usable; construct one with Create or Open.
type Region struct {
	Path string
	Mem  []byte

	file *os.File
}

// Create allocates a new shared-memory segment of the given size under
// name in dir (typically os.TempDir()), mmaps it, and returns a
// Region positioned for the creating process. The name is later handed to
// the peer process as the bank's Identity.ShmPath.
func Create(dir, name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: size must be positive, got %d", size)
	}
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}

	mem, err := mmap(file, size)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{Path: path, Mem: mem, file: file}, nil
}

// Open attaches to an existing shared-memory segment previously produced by
// Create, sized to the segment's current on-disk length.
func Open(path string) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	mem, err := mmap(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{Path: path, Mem: mem, file: file}, nil
}

func mmap(file *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Close unmaps the region and closes the underlying file descriptor. It
// does not remove the backing file; call Unlink for that.
func (r *Region) Close() error {
	if r == nil || r.Mem == nil {
		return nil
	}
	err := unix.Munmap(r.Mem)
	r.Mem = nil
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// Unlink removes the backing file from the filesystem. Safe to call after
// peers have attached; the mapping remains valid until they Close.
func (r *Region) Unlink() error {
	if r == nil || r.Path == "" {
		return nil
	}
	return os.Remove(r.Path)
}
