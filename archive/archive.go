// Package archive packs a collection directory into a single zstd-framed
// tar stream so a built index can be shipped to object storage and
// restored on another machine without re-embedding.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/vecfs/vecfs/blobstore"
)

// Create writes dir's files as a zstd-compressed tar stream to w.
// Subdirectories are not archived; a collection directory is flat.
func Create(ctx context.Context, dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, dir, name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks an archive produced by Create into dir, creating it if
// needed. Entries with path separators are rejected.
func Extract(ctx context.Context, r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if strings.ContainsAny(hdr.Name, "/\\") || hdr.Name == ".." {
			return fmt.Errorf("archive: unsafe entry name %q", hdr.Name)
		}

		if err := writeEntry(dir, hdr.Name, tr); err != nil {
			return err
		}
	}
}

func writeEntry(dir, name string, r io.Reader) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Upload archives dir and ships it to the blob store under name.
func Upload(ctx context.Context, store blobstore.Store, name, dir string) error {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(Create(ctx, dir, pw))
	}()

	if err := store.Put(ctx, name, pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

// Download fetches an archived collection from the blob store and unpacks
// it into dir.
func Download(ctx context.Context, store blobstore.Store, name, dir string) error {
	rc, err := store.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	return Extract(ctx, rc, dir)
}
