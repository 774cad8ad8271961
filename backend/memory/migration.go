// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarry-storage/quarry/backend"
)

// snapshotFile is the single artifact a memory backend's migration
// handle exposes: the whole region set serialized as one JSON document.
// A real durable backend streams many files; the in-memory backend has
// nothing on disk to enumerate, so it manufactures one at migration
// time instead of walking a directory.
const snapshotFile = "snapshot.json"

type snapshotRegion struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

func loadSnapshot(b *Backend, root string, files []string) error {
	var matched string
	for _, f := range files {
		if filepath.Base(f) == snapshotFile {
			matched = f
			break
		}
	}
	if matched == "" {
		return backend.Error.New("migration snapshot missing from file set")
	}
	path := matched
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return backend.Error.Wrap(err)
	}
	var regions []snapshotRegion
	if err := json.Unmarshal(raw, &regions); err != nil {
		return backend.Error.Wrap(err)
	}
	for _, r := range regions {
		b.regions[r.ID] = &region_{id: []byte(r.ID), data: r.Data}
	}
	return nil
}

var _ backend.MigrationHandle = (*migrationHandle)(nil)

type migrationHandle struct {
	backend      *Backend
	removeSource bool
	root         string

	mu       sync.Mutex
	resolved bool
}

func newMigrationHandle(b *Backend, removeSource bool) (*migrationHandle, error) {
	root, err := os.MkdirTemp("", "quarry-memory-migration-*")
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}

	b.mu.RLock()
	regions := make([]snapshotRegion, 0, len(b.regions))
	for id, r := range b.regions {
		regions = append(regions, snapshotRegion{ID: id, Data: r.data})
	}
	b.mu.RUnlock()

	raw, err := json.Marshal(regions)
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(root, snapshotFile), raw, 0o600); err != nil {
		return nil, backend.Error.Wrap(err)
	}

	return &migrationHandle{backend: b, removeSource: removeSource, root: root}, nil
}

func (h *migrationHandle) GetRoot() string { return h.root }

func (h *migrationHandle) GetFiles(_ context.Context) ([]string, error) {
	return []string{snapshotFile}, nil
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

	return os.RemoveAll(h.root)
}

func (h *migrationHandle) Release(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return nil
	}
	h.resolved = true

	if h.removeSource {
		h.backend.mu.Lock()
		h.backend.regions = map[string]*region_{}
		h.backend.migrated = true
		h.backend.mu.Unlock()
	} else {
		h.backend.mu.Lock()
		h.backend.migrating = false
		h.backend.mu.Unlock()
	}

	return os.RemoveAll(h.root)
}
