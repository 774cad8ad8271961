// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package passthrough implements the default transfer manager: one
// full-size bulk pull or push followed by exactly one region call, the
// minimal implementation of the transfer-manager contract. Every
// provider installs a manager of this type under the name "__default__"
// unless the configuration overrides it.
package passthrough

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/transfer"
	"github.com/quarry-storage/quarry/transport"
)

// Name is the transfer-manager type tag registered for this package.
const Name = "__default__"

func init() {
	transfer.Register(Name, factory{})
}

type factory struct{}

func (factory) ValidateConfig(raw json.RawMessage) error {
	return nil
}

func (factory) Create(_ context.Context, _ *zap.Logger, raw json.RawMessage) (transfer.Manager, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return &Manager{config: raw}, nil
}

// Manager is the pass-through transfer manager implementation.
type Manager struct {
	config json.RawMessage
}

var _ transfer.Manager = (*Manager)(nil)

// Name implements transfer.Manager.
func (m *Manager) Name() string { return Name }

// GetConfig implements transfer.Manager.
func (m *Manager) GetConfig() json.RawMessage { return m.config }

// Pull implements transfer.Manager.
func (m *Manager) Pull(ctx context.Context, engine transport.Engine, r region.Region, segments region.Segments, bulk transport.BulkHandle, endpoint transport.Endpoint, bulkOffset uint64, persist bool) error {
	total := segments.TotalLength()
	payload, err := engine.Pull(ctx, endpoint, bulk, bulkOffset, total)
	if err != nil {
		return transfer.Error.Wrap(err)
	}
	return r.Write(ctx, segments, payload, persist)
}

// Push implements transfer.Manager.
func (m *Manager) Push(ctx context.Context, engine transport.Engine, r region.Region, segments region.Segments, bulk transport.BulkHandle, endpoint transport.Endpoint, bulkOffset uint64) error {
	payload, err := r.Read(ctx, segments)
	if err != nil {
		return err
	}
	return transfer.Error.Wrap(engine.Push(ctx, endpoint, bulk, bulkOffset, payload))
}
