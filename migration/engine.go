// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package migration

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/registry"
	"github.com/quarry-storage/quarry/transport"
	"github.com/quarry-storage/quarry/uuidkit"
)

// Options bundles everything migrate_target needs beyond the target
// UUID and destination.
type Options struct {
	NewRoot      string
	TransferSize uint32
	ExtraConfig  json.RawMessage
	RemoveSource bool
}

// ClientEngine is the client-side migration orchestrator: given a target
// registry, an engine for endpoint resolution, and a migration
// transport for reaching peers, it drives the six-step migration
// protocol.
type ClientEngine struct {
	log       *zap.Logger
	engine    transport.Engine
	transport Transport
	targets   *registry.Targets
}

// NewClientEngine returns a migration client bound to targets, using
// engine for endpoint lookup and transport to reach peer providers.
func NewClientEngine(log *zap.Logger, engine transport.Engine, tp Transport, targets *registry.Targets) *ClientEngine {
	return &ClientEngine{log: log, engine: engine, transport: tp, targets: targets}
}

// MigrateTarget moves id to the provider reachable at destAddr,
// identified there as destProviderID. On success the destination
// registry contains id and, if opts.RemoveSource, the source no longer
// does. On any failure the source is left exactly as it was.
func (c *ClientEngine) MigrateTarget(ctx context.Context, id uuidkit.UUID, destAddr, destProviderID string, opts Options) error {
	endpoint, err := c.engine.LookupEndpoint(ctx, destAddr)
	if err != nil {
		return Error.Wrap(err)
	}

	client, err := c.transport.Dial(ctx, endpoint, destProviderID)
	if err != nil {
		return Error.Wrap(err)
	}
	defer client.Close()

	h, ok := c.targets.Lookup(id)
	if !ok {
		return registry.UnknownTarget(id)
	}
	defer h.Release()

	mh, err := h.Backend().StartMigration(ctx, opts.RemoveSource)
	if err != nil {
		return err
	}

	files, err := mh.GetFiles(ctx)
	if err != nil {
		_ = mh.Cancel(ctx)
		return err
	}

	entries := make([]FileSetEntry, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f, "/") {
			entries = append(entries, FileSetEntry{Path: strings.TrimSuffix(f, "/"), Dir: true})
		} else {
			entries = append(entries, FileSetEntry{Path: f})
		}
	}

	extraConfig := opts.ExtraConfig
	if len(extraConfig) == 0 {
		extraConfig = json.RawMessage(`{}`)
	}

	metadata := map[string]string{
		"uuid":             id.String(),
		"type":             h.Backend().Name(),
		"config":           string(h.Backend().GetConfig()),
		"migration_config": string(extraConfig),
	}
	fs := FileSet{
		Tag:      "quarry/" + destProviderID,
		Root:     mh.GetRoot(),
		Entries:  entries,
		Metadata: metadata,
	}
	if opts.TransferSize > 0 {
		fs.ChunkSize = opts.TransferSize
	}

	if err := client.Migrate(ctx, fs, opts.NewRoot, ModeKeepSourceMMap); err != nil {
		_ = mh.Cancel(ctx)
		return err
	}

	if err := mh.Release(ctx); err != nil {
		return err
	}

	// remove_source governs both the backend's local data (cleared by
	// Release above) and the registry entry together: with
	// remove_source=false the target keeps serving from here too.
	if opts.RemoveSource {
		c.targets.Remove(id)
	}
	return nil
}
