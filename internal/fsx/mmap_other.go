//go:build !unix

package fsx

import "os"

// Mapping is a read-only view of a file's contents.
// On platforms without mmap support the file is read into memory.
type Mapping struct {
	data []byte
}

// OpenMapped reads filename into memory.
func OpenMapped(filename string) (*Mapping, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the file contents.
func (m *Mapping) Bytes() []byte { return m.data }

// Close releases the buffer.
func (m *Mapping) Close() error {
	m.data = nil
	return nil
}
