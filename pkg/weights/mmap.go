package weights

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a read-only view of a file's bytes
type Region interface {
	Bytes() []byte
	Close() error
}

// Mapper creates a Region for a file.
// The production implementation is MmapMapper. Tests substitute their own.
type Mapper interface {
	Map(path string) (Region, error)
}

// MmapMapper maps files read-only into the address space
type MmapMapper struct{}

type mmapRegion struct {
	data []byte
}

func (r *mmapRegion) Bytes() []byte {
	return r.data
}

func (r *mmapRegion) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

func (MmapMapper) Map(path string) (Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// The mapping stays valid after the file is closed
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrEmptyFile, path)
	}
	if st.Size() != int64(int(st.Size())) {
		return nil, fmt.Errorf("Weights file %v is too large to map (%v bytes)", path, st.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("Failed to mmap %v: %w", path, err)
	}
	return &mmapRegion{data: data}, nil
}
