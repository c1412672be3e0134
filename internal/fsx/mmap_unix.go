//go:build unix

package fsx

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only view of a file's contents.
type Mapping struct {
	data   []byte
	mapped bool
}

// OpenMapped maps filename read-only. Empty files yield an empty mapping.
func OpenMapped(filename string) (*Mapping, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return &Mapping{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, mapped: true}, nil
}

// Bytes returns the mapped contents. Valid until Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Close unmaps the file.
func (m *Mapping) Close() error {
	if !m.mapped {
		return nil
	}
	data := m.data
	m.data = nil
	m.mapped = false
	return unix.Munmap(data)
}
