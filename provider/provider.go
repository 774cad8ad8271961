// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package provider implements the composition root: a Provider owns the
// target and transfer-manager registries, the RPC engine, and the
// optional migration client/server pair, and exposes the admin and
// data-path operations the RPC surface dispatches onto.
package provider

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/provider/config"
	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/registry"
	"github.com/quarry-storage/quarry/transfer"
	"github.com/quarry-storage/quarry/transport"
	"github.com/quarry-storage/quarry/uuidkit"
)

// Error is the default error class for provider-level failures:
// document construction, migration transport not configured.
var Error = errs.Class("provider")

// New constructs a Provider from a JSON document. On any failure the
// whole document is rejected: nothing partially constructed is left
// running.
func New(ctx context.Context, log *zap.Logger, providerID string, engine transport.Engine, migrationTransport migration.Transport, doc []byte) (*Provider, error) {
	parsed, err := config.Parse(doc)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		log:                log,
		providerID:         providerID,
		engine:             engine,
		targets:            registry.NewTargets(),
		transferManagers:   registry.NewTransferManagers(),
		migrationTransport: migrationTransport,
	}

	if err := p.bringUp(ctx, parsed); err != nil {
		return nil, err
	}

	if migrationTransport != nil {
		p.migrationServer = migration.NewServer(log, p.targets, p.transferManagers)
		p.migrationClient = migration.NewClientEngine(log, engine, migrationTransport, p.targets)
	}

	return p, nil
}

func (p *Provider) bringUp(ctx context.Context, doc config.Document) error {
	if _, ok := doc.TransferManagers[registry.DefaultTransferManagerName]; !ok {
		tx, err := transfer.New(ctx, p.log, registry.DefaultTransferManagerName, nil)
		if err != nil {
			return err
		}
		if err := p.transferManagers.Insert(registry.DefaultTransferManagerName, tx); err != nil {
			return err
		}
	}

	for name, spec := range doc.TransferManagers {
		tx, err := transfer.New(ctx, p.log, spec.Type, spec.Config)
		if err != nil {
			return err
		}
		if err := p.transferManagers.Insert(name, tx); err != nil {
			return err
		}
	}

	var created []backend.Backend
	rollback := func() {
		for _, be := range created {
			_ = be.Destroy(ctx)
		}
	}

	for i, spec := range doc.Targets {
		be, err := backend.New(ctx, p.log, spec.Type, spec.Config)
		if err != nil {
			rollback()
			return Error.New("targets[%d]: %v", i, err)
		}
		created = append(created, be)

		txName, err := config.TransferManagerName(spec.Config, registry.DefaultTransferManagerName)
		if err != nil {
			rollback()
			return err
		}
		tx, ok := p.transferManagers.Lookup(txName)
		if !ok {
			rollback()
			return Error.New("targets[%d]: unknown transfer manager %q", i, txName)
		}

		id, err := uuidkit.New()
		if err != nil {
			rollback()
			return Error.New("targets[%d]: %v", i, err)
		}
		if err := p.targets.Insert(id, be, txName, tx); err != nil {
			rollback()
			return err
		}
	}
	return nil
}

// Provider is the in-process dispatch core holding a provider's
// runtime state.
type Provider struct {
	log        *zap.Logger
	providerID string
	engine     transport.Engine

	targets          *registry.Targets
	transferManagers *registry.TransferManagers

	migrationTransport migration.Transport
	migrationClient    *migration.ClientEngine
	migrationServer    *migration.Server
}

// ProviderID returns the identifier this provider presents to peers
// during migration.
func (p *Provider) ProviderID() string { return p.providerID }

// MigrationServer returns the receiver-side migration hooks, or nil if
// this provider was constructed without a migration transport.
func (p *Provider) MigrationServer() *migration.Server { return p.migrationServer }

// lookupTarget is a small helper shared by the data-path verbs: it
// leases the target's registry handle or returns the not-found error.
func (p *Provider) lookupTarget(id uuidkit.UUID) (*registry.Handle, error) {
	h, ok := p.targets.Lookup(id)
	if !ok {
		return nil, registry.UnknownTarget(id)
	}
	return h, nil
}

// AddTarget implements the add_target admin operation.
func (p *Provider) AddTarget(ctx context.Context, typ string, configRaw json.RawMessage) (uuidkit.UUID, error) {
	if err := backend.ValidateConfig(typ, configRaw); err != nil {
		return uuidkit.Nil, err
	}
	be, err := backend.New(ctx, p.log, typ, configRaw)
	if err != nil {
		return uuidkit.Nil, err
	}

	txName, err := config.TransferManagerName(configRaw, registry.DefaultTransferManagerName)
	if err != nil {
		return uuidkit.Nil, err
	}
	tx, ok := p.transferManagers.Lookup(txName)
	if !ok {
		return uuidkit.Nil, registry.Error.New("transfer manager %q not found", txName)
	}

	id, err := uuidkit.New()
	if err != nil {
		return uuidkit.Nil, err
	}
	if err := p.targets.Insert(id, be, txName, tx); err != nil {
		return uuidkit.Nil, err
	}
	return id, nil
}

// RemoveTarget implements the remove_target admin operation.
func (p *Provider) RemoveTarget(_ context.Context, id uuidkit.UUID) error {
	if !p.targets.Remove(id) {
		return registry.UnknownTarget(id)
	}
	return nil
}

// DestroyTarget implements the destroy_target admin operation.
func (p *Provider) DestroyTarget(ctx context.Context, id uuidkit.UUID) error {
	return p.targets.DestroyAndRemove(ctx, id)
}

// AddTransferManager implements the add_transfer_manager admin operation.
func (p *Provider) AddTransferManager(ctx context.Context, name, typ string, configRaw json.RawMessage) error {
	if err := transfer.ValidateConfig(typ, configRaw); err != nil {
		return err
	}
	tx, err := transfer.New(ctx, p.log, typ, configRaw)
	if err != nil {
		return err
	}
	return p.transferManagers.Insert(name, tx)
}

// CheckTarget implements the check_target verb.
func (p *Provider) CheckTarget(id uuidkit.UUID) bool {
	return p.targets.Contains(id)
}

// MigrateTarget implements the migrate_target admin operation.
func (p *Provider) MigrateTarget(ctx context.Context, id uuidkit.UUID, destAddr, destProviderID string, opts migration.Options) error {
	if p.migrationClient == nil {
		return Error.New("migration support not compiled in")
	}
	return p.migrationClient.MigrateTarget(ctx, id, destAddr, destProviderID, opts)
}

// Create implements the create verb.
func (p *Provider) Create(ctx context.Context, id uuidkit.UUID, size uint64) (region.ID, error) {
	h, err := p.lookupTarget(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	r, err := h.Backend().Create(ctx, size)
	if err != nil {
		return nil, err
	}
	return r.GetRegionID(), nil
}

// WriteEager implements the write_eager verb.
func (p *Provider) WriteEager(ctx context.Context, id uuidkit.UUID, regionID region.ID, segments region.Segments, payload []byte, persist bool) error {
	h, err := p.lookupTarget(id)
	if err != nil {
		return err
	}
	defer h.Release()
	r, err := h.Backend().Write(ctx, regionID, persist)
	if err != nil {
		return err
	}
	return r.Write(ctx, segments, payload, persist)
}

// CreateWriteEager implements the create_write_eager verb.
func (p *Provider) CreateWriteEager(ctx context.Context, id uuidkit.UUID, payload []byte, persist bool) (region.ID, error) {
	h, err := p.lookupTarget(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	r, err := h.Backend().Create(ctx, uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	segments := region.Segments{{Offset: 0, Length: uint64(len(payload))}}
	if err := r.Write(ctx, segments, payload, persist); err != nil {
		return nil, err
	}
	return r.GetRegionID(), nil
}

// ReadEager implements the read_eager verb.
func (p *Provider) ReadEager(ctx context.Context, id uuidkit.UUID, regionID region.ID, segments region.Segments) ([]byte, error) {
	h, err := p.lookupTarget(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	r, err := h.Backend().Read(ctx, regionID)
	if err != nil {
		return nil, err
	}
	return r.Read(ctx, segments)
}

// Persist implements the persist verb.
func (p *Provider) Persist(ctx context.Context, id uuidkit.UUID, regionID region.ID, segments region.Segments) error {
	h, err := p.lookupTarget(id)
	if err != nil {
		return err
	}
	defer h.Release()
	r, err := h.Backend().Write(ctx, regionID, true)
	if err != nil {
		return err
	}
	return r.Persist(ctx, segments)
}

// Erase implements the erase verb.
func (p *Provider) Erase(ctx context.Context, id uuidkit.UUID, regionID region.ID) error {
	h, err := p.lookupTarget(id)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Backend().Erase(ctx, regionID)
}

func (p *Provider) resolveEndpoint(ctx context.Context, hint string) (transport.Endpoint, error) {
	return p.engine.LookupEndpoint(ctx, hint)
}

// Write implements the (non-eager) write verb: bytes are pulled from
// the caller's bulk buffer through the target's bound transfer manager.
func (p *Provider) Write(ctx context.Context, id uuidkit.UUID, regionID region.ID, segments region.Segments, bulk transport.BulkHandle, endpointHint string, bulkOffset uint64, persist bool) error {
	h, err := p.lookupTarget(id)
	if err != nil {
		return err
	}
	defer h.Release()

	endpoint, err := p.resolveEndpoint(ctx, endpointHint)
	if err != nil {
		return err
	}
	r, err := h.Backend().Write(ctx, regionID, persist)
	if err != nil {
		return err
	}
	return h.Transfer().Pull(ctx, p.engine, r, segments, bulk, endpoint, bulkOffset, persist)
}

// CreateWrite implements the create_write verb.
func (p *Provider) CreateWrite(ctx context.Context, id uuidkit.UUID, bulk transport.BulkHandle, endpointHint string, bulkOffset uint64, size uint64, persist bool) (region.ID, error) {
	h, err := p.lookupTarget(id)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	endpoint, err := p.resolveEndpoint(ctx, endpointHint)
	if err != nil {
		return nil, err
	}
	r, err := h.Backend().Create(ctx, size)
	if err != nil {
		return nil, err
	}
	segments := region.Segments{{Offset: 0, Length: size}}
	if err := h.Transfer().Pull(ctx, p.engine, r, segments, bulk, endpoint, bulkOffset, persist); err != nil {
		return nil, err
	}
	return r.GetRegionID(), nil
}

// Read implements the (non-eager) read verb: bytes are pushed to the
// caller's bulk buffer through the target's bound transfer manager.
func (p *Provider) Read(ctx context.Context, id uuidkit.UUID, regionID region.ID, segments region.Segments, bulk transport.BulkHandle, endpointHint string, bulkOffset uint64) error {
	h, err := p.lookupTarget(id)
	if err != nil {
		return err
	}
	defer h.Release()

	endpoint, err := p.resolveEndpoint(ctx, endpointHint)
	if err != nil {
		return err
	}
	r, err := h.Backend().Read(ctx, regionID)
	if err != nil {
		return err
	}
	return h.Transfer().Push(ctx, p.engine, r, segments, bulk, endpoint, bulkOffset)
}

// GetConfig renders the provider's live configuration in the same shape
// it was constructed from, augmented with each target's assigned UUID.
func (p *Provider) GetConfig() config.DocumentOut {
	out := config.DocumentOut{TransferManagers: map[string]config.TransferManagerSpec{}}
	p.transferManagers.Range(func(name string, tx transfer.Manager) {
		out.TransferManagers[name] = config.TransferManagerSpec{Type: tx.Name(), Config: tx.GetConfig()}
	})
	p.targets.Range(func(id uuidkit.UUID, be backend.Backend, _ string) {
		out.Targets = append(out.Targets, config.TargetOut{
			ID:     id.String(),
			Type:   be.Name(),
			Config: be.GetConfig(),
		})
	})
	return out
}
