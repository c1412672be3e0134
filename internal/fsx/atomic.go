package fsx

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic writes a file via temp-file-then-rename so a crash mid-write
// never corrupts a previously valid file.
func WriteAtomic(filename string, data []byte) error {
	return SaveAtomic(filename, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// SaveAtomic streams writeFunc's output to a temp file in the target
// directory, fsyncs it and atomically renames it over filename.
func SaveAtomic(filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	// Temp file must live in the same directory for the rename to be atomic.
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = "" // prevent deferred cleanup from removing the final file
	return nil
}

// LoadFrom opens filename and hands a buffered reader to readFunc.
func LoadFrom(filename string, readFunc func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewReaderSize(f, 256*1024)
	return readFunc(buf)
}
