// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package backend defines the pluggable storage contract that target
// registry entries operate through, and a name-keyed factory registry
// used to instantiate and recover backends from JSON configuration.
//
// Concrete backends live in sibling packages (backend/memory,
// backend/file) and register themselves from an init() function into
// a process-wide factory table.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/region"
)

// Error is the default error class for backend-level domain failures
// (unknown region, size mismatch, out of space, and so on). Backend
// errors are never fatal to the provider; they are returned verbatim to
// the caller.
var Error = errs.Class("backend")

// ErrUnknownRegion is the error class returned by Write/Read/Erase when
// the region ID was never returned by Create, or has since been erased.
// Use ErrUnknownRegion.New(id) to build one and ErrUnknownRegion.Has to
// test for it.
var ErrUnknownRegion = errs.Class("unknown region")

// UnknownRegion builds an ErrUnknownRegion error naming id; the error
// text always contains the region ID.
func UnknownRegion(id region.ID) error {
	return ErrUnknownRegion.New("%s", id)
}

// ErrMigrating is returned by mutating calls while a MigrationHandle is
// held open on the target.
var ErrMigrating = Error.New("target is migrating")

// ErrUnknownType is returned by New when no factory is registered under
// the requested type name.
var ErrUnknownType = Error.New("unknown backend type")

// Backend is a container of regions identified by its own UUID. A
// registry entry owns exactly one Backend exclusively; regions obtained
// from it are short-lived handles scoped to a single RPC.
type Backend interface {
	// Name returns the type tag this backend was created under (e.g.
	// "memory", "file").
	Name() string

	// GetConfig returns the backend's current JSON configuration,
	// suitable for round-tripping through Validate/Create/Recover.
	GetConfig() json.RawMessage

	// Create allocates a region of exactly size bytes and returns a
	// handle to it, open for writing. The returned RegionID is unique
	// within this backend for its lifetime.
	Create(ctx context.Context, size uint64) (region.Region, error)

	// Write opens an existing region for writing. persist hints that
	// subsequent writes to the returned handle should be persisted;
	// backends that are always durable may ignore the hint.
	Write(ctx context.Context, id region.ID, persist bool) (region.Region, error)

	// Read opens an existing region for reading.
	Read(ctx context.Context, id region.ID) (region.Region, error)

	// Erase removes a region. Erase on an unknown region fails with
	// ErrUnknownRegion.
	Erase(ctx context.Context, id region.ID) error

	// Destroy removes every region and deletes any persistent
	// artifacts. After Destroy, every previously issued RegionID is
	// invalid.
	Destroy(ctx context.Context) error

	// StartMigration locks the target for the lifetime of the returned
	// handle. removeSource controls what happens to source-side
	// artifacts when the handle is released without Cancel.
	StartMigration(ctx context.Context, removeSource bool) (MigrationHandle, error)
}

// MigrationHandle is a scoped lock over a target obtained through
// StartMigration. While held, the target refuses create/write/persist/
// erase and further StartMigration calls with ErrMigrating.
type MigrationHandle interface {
	// GetRoot returns the filesystem path the file list in GetFiles is
	// relative to.
	GetRoot() string

	// GetFiles lists the target's on-disk artifacts, relative to Root.
	// An entry ending in "/" denotes a directory to be streamed
	// recursively.
	GetFiles(ctx context.Context) ([]string, error)

	// Cancel abandons the migration: the target becomes mutable again
	// and no source-side deletion occurs. Cancel is only meaningful
	// before Release is called.
	Cancel(ctx context.Context) error

	// Release ends the migration scope. If the handle was not
	// cancelled and was obtained with removeSource=true, source-side
	// files are deleted and the target is marked migrated (permanently
	// disabled in this provider). Release is idempotent.
	Release(ctx context.Context) error
}

// Factory instantiates and validates backends of one registered type.
type Factory interface {
	// ValidateConfig checks a candidate configuration document without
	// side effects, returning a descriptive error on rejection.
	ValidateConfig(config json.RawMessage) error

	// Create instantiates a brand-new backend from a validated config.
	Create(ctx context.Context, log *zap.Logger, config json.RawMessage) (Backend, error)

	// Recover reconstitutes a backend from files delivered by a target
	// migration, rooted at root (canonicalized with a trailing "/").
	Recover(ctx context.Context, log *zap.Logger, config json.RawMessage, root string, files []string) (Backend, error)
}

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register installs a factory under name. Called from the init()
// function of concrete backend packages. Re-registering an existing
// name panics; a backend type can only ever be registered once per
// process.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("backend: type %q already registered", name))
	}
	factories[name] = factory
}

// Lookup returns the factory registered under name, if any.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// ValidateConfig validates config against the schema registered for
// type name.
func ValidateConfig(name string, config json.RawMessage) error {
	factory, ok := Lookup(name)
	if !ok {
		return ErrUnknownType
	}
	return factory.ValidateConfig(config)
}

// New instantiates a backend of the given type from a validated config.
func New(ctx context.Context, log *zap.Logger, name string, config json.RawMessage) (Backend, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, ErrUnknownType
	}
	return factory.Create(ctx, log, config)
}

// Recover reconstitutes a backend of the given type from migrated files.
func Recover(ctx context.Context, log *zap.Logger, name string, config json.RawMessage, root string, files []string) (Backend, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, ErrUnknownType
	}
	return factory.Recover(ctx, log, config, root, files)
}
