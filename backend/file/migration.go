// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package file

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarry-storage/quarry/backend"
)

const manifestFile = "manifest.json"

// manifestEntry pairs a region ID with the index metadata a recovering
// backend needs to reconstruct without re-deriving it from file sizes
// on disk, which would silently mask truncated transfers.
type manifestEntry struct {
	ID    string `json:"id"`
	Entry entry  `json:"entry"`
}

func installMigratedFiles(b *Backend, root string, files []string) error {
	manifestPath := ""
	for _, f := range files {
		if filepath.Base(f) == manifestFile {
			manifestPath = f
			if !filepath.IsAbs(manifestPath) {
				manifestPath = filepath.Join(root, manifestPath)
			}
			break
		}
	}
	if manifestPath == "" {
		return backend.Error.New("migration file set missing manifest")
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return backend.Error.Wrap(err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return backend.Error.Wrap(err)
	}

	for _, me := range entries {
		src := filepath.Join(root, "regions", me.ID)
		dst := b.path(me.ID)
		if err := copyFile(src, dst); err != nil {
			return backend.Error.Wrap(err)
		}
		if err := b.index.set(me.ID, me.Entry); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

var _ backend.MigrationHandle = (*migrationHandle)(nil)

type migrationHandle struct {
	backend      *Backend
	removeSource bool

	mu       sync.Mutex
	resolved bool
}

func newMigrationHandle(b *Backend, removeSource bool) (*migrationHandle, error) {
	ids, err := b.index.list()
	if err != nil {
		return nil, err
	}

	entries := make([]manifestEntry, 0, len(ids))
	for _, id := range ids {
		e, ok, err := b.index.get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, manifestEntry{ID: id, Entry: e})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(b.cfg.Root, manifestFile), raw, 0o600); err != nil {
		return nil, backend.Error.Wrap(err)
	}

	return &migrationHandle{backend: b, removeSource: removeSource}, nil
}

func (h *migrationHandle) GetRoot() string { return h.backend.cfg.Root }

func (h *migrationHandle) GetFiles(_ context.Context) ([]string, error) {
	ids, err := h.backend.index.list()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(ids)+1)
	files = append(files, manifestFile)
	for _, id := range ids {
		files = append(files, filepath.Join("regions", id))
	}
	return files, nil
}

func (h *migrationHandle) Cancel(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return nil
	}
	h.resolved = true

	h.backend.mu.Lock()
	h.backend.migrating = false
	h.backend.mu.Unlock()

	return os.Remove(filepath.Join(h.backend.cfg.Root, manifestFile))
}

func (h *migrationHandle) Release(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return nil
	}
	h.resolved = true

	if h.removeSource {
		ids, err := h.backend.index.list()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := os.Remove(h.backend.path(id)); err != nil && !os.IsNotExist(err) {
				return backend.Error.Wrap(err)
			}
		}
		if err := h.backend.index.dropAll(); err != nil {
			return err
		}
		h.backend.mu.Lock()
		h.backend.migrated = true
		h.backend.mu.Unlock()
	} else {
		h.backend.mu.Lock()
		h.backend.migrating = false
		h.backend.mu.Unlock()
	}

	_ = os.Remove(filepath.Join(h.backend.cfg.Root, manifestFile))
	return nil
}
