// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package file implements a durable, file-per-region backend. Each
// region is one file on disk named by its UUID; a badger database
// alongside them tracks each region's declared size and generation
// number.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/uuidkit"
)

// Name is the backend type tag registered for this package.
const Name = "file"

func init() {
	backend.Register(Name, factory{})
}

// Config is the on-disk layout configuration for a file backend.
type Config struct {
	// Root is the directory regions and the region index are stored
	// under. It is created if it does not exist.
	Root string `json:"root"`
	// ForceSync makes every write through a handle opened with
	// persist=true fsync the region file before returning, even when
	// that write's own persist flag is false. Writes whose own persist
	// flag is true are synced regardless of ForceSync. The parent
	// directory is never synced.
	ForceSync bool `json:"force_sync"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, backend.Error.Wrap(err)
		}
	}
	if cfg.Root == "" {
		return Config{}, backend.Error.New("root is required")
	}
	return cfg, nil
}

type factory struct{}

func (factory) ValidateConfig(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (factory) Create(_ context.Context, log *zap.Logger, raw json.RawMessage) (backend.Backend, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "regions"), 0o700); err != nil {
		return nil, backend.Error.Wrap(err)
	}
	idx, err := openIndex(log, filepath.Join(cfg.Root, "index"))
	if err != nil {
		return nil, err
	}
	return &Backend{log: log, config: raw, cfg: cfg, index: idx}, nil
}

// Recover reconstructs a file backend from a migrated file set. files
// lists the migrated artifacts, either absolute or relative to root;
// only the manifest among them is read, and each region it names is
// copied from root/regions along with its index entry; see
// migration.go.
func (factory) Recover(ctx context.Context, log *zap.Logger, raw json.RawMessage, root string, files []string) (backend.Backend, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "regions"), 0o700); err != nil {
		return nil, backend.Error.Wrap(err)
	}
	idx, err := openIndex(log, filepath.Join(cfg.Root, "index"))
	if err != nil {
		return nil, err
	}
	b := &Backend{log: log, config: raw, cfg: cfg, index: idx}
	if err := installMigratedFiles(b, root, files); err != nil {
		_ = idx.close()
		return nil, err
	}
	return b, nil
}

// Backend is the file-per-region backend implementation.
type Backend struct {
	log    *zap.Logger
	config json.RawMessage
	cfg    Config
	index  *index

	mu        sync.RWMutex
	migrating bool
	migrated  bool
}

var _ backend.Backend = (*Backend)(nil)

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// GetConfig implements backend.Backend.
func (b *Backend) GetConfig() json.RawMessage { return b.config }

func (b *Backend) checkMutable() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.migrated {
		return backend.Error.New("target has been migrated")
	}
	if b.migrating {
		return backend.ErrMigrating
	}
	return nil
}

func (b *Backend) path(id string) string {
	return filepath.Join(b.cfg.Root, "regions", id)
}

// Create implements backend.Backend.
func (b *Backend) Create(_ context.Context, size uint64) (region.Region, error) {
	if err := b.checkMutable(); err != nil {
		return nil, err
	}

	id, err := uuidkit.New()
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	rid := id.String()

	f, err := os.OpenFile(b.path(rid), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	truncErr := f.Truncate(int64(size))
	closeErr := f.Close()
	if truncErr != nil {
		return nil, backend.Error.Wrap(truncErr)
	}
	if closeErr != nil {
		return nil, backend.Error.Wrap(closeErr)
	}

	e := entry{Size: size, Generation: 1}
	if err := b.index.set(rid, e); err != nil {
		return nil, err
	}

	return &handle{backend: b, id: region.ID(rid), size: size}, nil
}

func (b *Backend) open(id region.ID) (*handle, error) {
	e, ok, err := b.index.get(string(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, backend.UnknownRegion(id)
	}
	if _, err := os.Stat(b.path(string(id))); err != nil {
		if os.IsNotExist(err) {
			return nil, backend.UnknownRegion(id)
		}
		return nil, backend.Error.Wrap(err)
	}
	return &handle{backend: b, id: id, size: e.Size}, nil
}

// Write implements backend.Backend.
func (b *Backend) Write(_ context.Context, id region.ID, persist bool) (region.Region, error) {
	if err := b.checkMutable(); err != nil {
		return nil, err
	}
	h, err := b.open(id)
	if err != nil {
		return nil, err
	}
	h.forceSync = persist && b.cfg.ForceSync
	return h, nil
}

// Read implements backend.Backend.
func (b *Backend) Read(_ context.Context, id region.ID) (region.Region, error) {
	return b.open(id)
}

// Erase implements backend.Backend.
func (b *Backend) Erase(_ context.Context, id region.ID) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	if _, ok, err := b.index.get(string(id)); err != nil {
		return err
	} else if !ok {
		return backend.UnknownRegion(id)
	}
	if err := b.index.delete(string(id)); err != nil {
		return err
	}
	if err := os.Remove(b.path(string(id))); err != nil && !os.IsNotExist(err) {
		return backend.Error.Wrap(err)
	}
	return nil
}

// Destroy implements backend.Backend.
func (b *Backend) Destroy(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.index.list()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
			return backend.Error.Wrap(err)
		}
	}
	if err := b.index.dropAll(); err != nil {
		return err
	}
	b.migrated = true
	return nil
}

// StartMigration implements backend.Backend.
func (b *Backend) StartMigration(_ context.Context, removeSource bool) (backend.MigrationHandle, error) {
	b.mu.Lock()
	if b.migrating {
		b.mu.Unlock()
		return nil, backend.ErrMigrating
	}
	b.migrating = true
	b.mu.Unlock()

	return newMigrationHandle(b, removeSource)
}

// handle opens its backing file for the duration of each call rather
// than holding a descriptor across the handle's lifetime: region.Region
// carries no Close, and the dispatch core may hold a handle across a
// whole RPC without a defined release point, so nothing else is safe.
type handle struct {
	backend   *Backend
	id        region.ID
	size      uint64
	forceSync bool
}

var _ region.Region = (*handle)(nil)

func (h *handle) GetRegionID() region.ID { return h.id }
func (h *handle) Size() uint64           { return h.size }

func (h *handle) Write(_ context.Context, segments region.Segments, payload []byte, persist bool) error {
	if err := segments.Validate(h.size); err != nil {
		return err
	}
	if uint64(len(payload)) < segments.TotalLength() {
		return region.Error.New("payload shorter than segment total")
	}

	f, err := os.OpenFile(h.backend.path(string(h.id)), os.O_WRONLY, 0o600)
	if err != nil {
		return region.Error.Wrap(err)
	}
	defer f.Close()

	var offset uint64
	for _, seg := range segments {
		if _, err := f.WriteAt(payload[offset:offset+seg.Length], int64(seg.Offset)); err != nil {
			return region.Error.Wrap(err)
		}
		offset += seg.Length
	}
	if persist || h.forceSync {
		if err := f.Sync(); err != nil {
			return region.Error.Wrap(err)
		}
	}
	return nil
}

func (h *handle) Read(_ context.Context, segments region.Segments) ([]byte, error) {
	if err := segments.Validate(h.size); err != nil {
		return nil, err
	}

	f, err := os.Open(h.backend.path(string(h.id)))
	if err != nil {
		return nil, region.Error.Wrap(err)
	}
	defer f.Close()

	out := make([]byte, segments.TotalLength())
	var offset uint64
	for _, seg := range segments {
		if _, err := f.ReadAt(out[offset:offset+seg.Length], int64(seg.Offset)); err != nil {
			return nil, region.Error.Wrap(err)
		}
		offset += seg.Length
	}
	return out, nil
}

func (h *handle) Persist(_ context.Context, segments region.Segments) error {
	if err := segments.Validate(h.size); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	f, err := os.OpenFile(h.backend.path(string(h.id)), os.O_WRONLY, 0o600)
	if err != nil {
		return region.Error.Wrap(err)
	}
	defer f.Close()
	return region.Error.Wrap(f.Sync())
}
