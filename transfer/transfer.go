// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package transfer defines the transfer-manager contract: a named,
// stateless policy object that bridges a caller's bulk buffer and a
// region. Concrete managers live in sibling packages; transfer/passthrough
// provides the implicit "__default__" manager every provider installs.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/transport"
)

// Error is the default error class for transfer-manager domain failures.
var Error = errs.Class("transfer")

// ErrUnknownType is returned by New when no factory is registered under
// the requested type name.
var ErrUnknownType = Error.New("unknown transfer manager type")

// Manager bridges bulk memory and a region. It owns no persistent
// state of its own; everything it needs to move bytes is passed in on
// each call.
type Manager interface {
	// Name returns the type tag this manager was created under.
	Name() string

	// GetConfig returns the manager's JSON configuration.
	GetConfig() json.RawMessage

	// Pull moves segments' worth of bytes from the bulk buffer
	// registered at endpoint into r, honoring persist the same way
	// Region.Write does.
	Pull(ctx context.Context, engine transport.Engine, r region.Region, segments region.Segments, bulk transport.BulkHandle, endpoint transport.Endpoint, bulkOffset uint64, persist bool) error

	// Push moves segments' worth of bytes read from r out to the bulk
	// buffer registered at endpoint, starting at bulkOffset.
	Push(ctx context.Context, engine transport.Engine, r region.Region, segments region.Segments, bulk transport.BulkHandle, endpoint transport.Endpoint, bulkOffset uint64) error
}

// Factory instantiates and validates transfer managers of one
// registered type.
type Factory interface {
	ValidateConfig(config json.RawMessage) error
	Create(ctx context.Context, log *zap.Logger, config json.RawMessage) (Manager, error)
}

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register installs a factory under name, called from the init()
// function of concrete transfer-manager packages. Re-registering an
// existing name panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("transfer: type %q already registered", name))
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

// New instantiates a transfer manager of the given type from a
// validated config.
func New(ctx context.Context, log *zap.Logger, name string, config json.RawMessage) (Manager, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, ErrUnknownType
	}
	return factory.Create(ctx, log, config)
}
