// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package memory implements an in-memory backend. Regions live only for
// the lifetime of the process; nothing is written to disk, so persist
// is a no-op.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/uuidkit"
)

// Name is the backend type tag registered for this package.
const Name = "memory"

func init() {
	backend.Register(Name, factory{})
}

// Config is the (empty) configuration accepted by the memory backend.
// It exists so the schema-validation and round-trip machinery has a
// concrete, if trivial, shape to exercise.
type Config struct{}

type factory struct{}

func (factory) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return backend.Error.Wrap(err)
	}
	return nil
}

func (factory) Create(_ context.Context, log *zap.Logger, raw json.RawMessage) (backend.Backend, error) {
	if err := (factory{}).ValidateConfig(raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return &Backend{
		log:     log,
		config:  raw,
		regions: map[string]*region_{},
	}, nil
}

// Recover reconstructs an in-memory backend from a migrated file list.
// Because the memory backend keeps no on-disk artifacts, files is
// expected to describe a single serialized snapshot written by Backend's
// own migration handle (see snapshotFile and loadSnapshot).
func (factory) Recover(_ context.Context, log *zap.Logger, raw json.RawMessage, root string, files []string) (backend.Backend, error) {
	b := &Backend{
		log:     log,
		config:  raw,
		regions: map[string]*region_{},
	}
	if err := loadSnapshot(b, root, files); err != nil {
		return nil, err
	}
	return b, nil
}

type region_ struct {
	id   region.ID
	data []byte
}

// Backend is the in-memory backend implementation.
type Backend struct {
	log    *zap.Logger
	config json.RawMessage

	mu        sync.RWMutex
	regions   map[string]*region_
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

// Create implements backend.Backend.
func (b *Backend) Create(_ context.Context, size uint64) (region.Region, error) {
	if err := b.checkMutable(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := uuidkit.New()
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	rid := region.ID(id.String())
	r := &region_{id: rid, data: make([]byte, size)}
	b.regions[string(rid)] = r
	return &handle{backend: b, region: r}, nil
}

// Write implements backend.Backend.
func (b *Backend) Write(_ context.Context, id region.ID, _ bool) (region.Region, error) {
	if err := b.checkMutable(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.regions[string(id)]
	if !ok {
		return nil, backend.UnknownRegion(id)
	}
	return &handle{backend: b, region: r}, nil
}

// Read implements backend.Backend.
func (b *Backend) Read(_ context.Context, id region.ID) (region.Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.regions[string(id)]
	if !ok {
		return nil, backend.UnknownRegion(id)
	}
	return &handle{backend: b, region: r}, nil
}

// Erase implements backend.Backend.
func (b *Backend) Erase(_ context.Context, id region.ID) error {
	if err := b.checkMutable(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.regions[string(id)]; !ok {
		return backend.UnknownRegion(id)
	}
	delete(b.regions, string(id))
	return nil
}

// Destroy implements backend.Backend.
func (b *Backend) Destroy(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regions = map[string]*region_{}
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

type handle struct {
	backend *Backend
	region  *region_
}

var _ region.Region = (*handle)(nil)

func (h *handle) GetRegionID() region.ID { return h.region.id }
func (h *handle) Size() uint64           { return uint64(len(h.region.data)) }

func (h *handle) Write(_ context.Context, segments region.Segments, payload []byte, _ bool) error {
	size := h.Size()
	if err := segments.Validate(size); err != nil {
		return err
	}
	if uint64(len(payload)) < segments.TotalLength() {
		return region.Error.New("payload shorter than segment total")
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	var offset uint64
	for _, seg := range segments {
		copy(h.region.data[seg.Offset:seg.Offset+seg.Length], payload[offset:offset+seg.Length])
		offset += seg.Length
	}
	return nil
}

func (h *handle) Read(_ context.Context, segments region.Segments) ([]byte, error) {
	size := h.Size()
	if err := segments.Validate(size); err != nil {
		return nil, err
	}
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()
	out := make([]byte, segments.TotalLength())
	var offset uint64
	for _, seg := range segments {
		copy(out[offset:offset+seg.Length], h.region.data[seg.Offset:seg.Offset+seg.Length])
		offset += seg.Length
	}
	return out, nil
}

func (h *handle) Persist(_ context.Context, segments region.Segments) error {
	return segments.Validate(h.Size())
}
