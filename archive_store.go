package vecfs

import (
	"context"
	"fmt"
	"os"

	"github.com/vecfs/vecfs/archive"
	"github.com/vecfs/vecfs/blobstore"
)

// ArchiveCollection packs a collection's directory, indexes included,
// and ships it to the blob store under name. Writes to the collection are
// held off for the duration so the snapshot is consistent.
func (s *Store) ArchiveCollection(ctx context.Context, collectionName string, dst blobstore.Store, name string) error {
	h, err := s.handleFor(collectionName)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.store.Exists() {
		return fmt.Errorf("%w: %s", ErrNotFound, collectionName)
	}

	if err := s.resources.AcquireBackground(ctx); err != nil {
		return err
	}
	defer s.resources.ReleaseBackground()

	if err := archive.Upload(ctx, dst, name, h.store.Dir()); err != nil {
		return err
	}

	s.logger.WithCollection(collectionName).Info("collection archived", "blob", name)
	return nil
}

// RestoreCollection fetches an archived collection and replaces the
// collection directory with the snapshot's contents, then invalidates
// any warm cache so the next query loads the restored state. Points
// written after the archive was taken do not survive a restore.
func (s *Store) RestoreCollection(ctx context.Context, collectionName string, src blobstore.Store, name string) error {
	h, err := s.handleFor(collectionName)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := s.resources.AcquireBackground(ctx); err != nil {
		return err
	}
	defer s.resources.ReleaseBackground()

	// Extract next to the live directory, then swap by rename. The live
	// state is never a mix of snapshot and post-snapshot files.
	dir := h.store.Dir()
	staging := dir + ".restore"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := archive.Download(ctx, src, name, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	old := dir + ".old"
	if err := os.RemoveAll(old); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	replaced := false
	if _, err := os.Stat(dir); err == nil {
		if err := os.Rename(dir, old); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		replaced = true
	}
	if err := os.Rename(staging, dir); err != nil {
		if replaced {
			_ = os.Rename(old, dir)
		}
		_ = os.RemoveAll(staging)
		return err
	}
	_ = os.RemoveAll(old)

	s.registry.Invalidate(collectionName)
	s.logger.WithCollection(collectionName).Info("collection restored", "blob", name)
	return nil
}
