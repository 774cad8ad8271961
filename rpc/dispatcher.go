// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/pkg/rpc/rpcstatus"
	"github.com/quarry-storage/quarry/private/errs2"
	"github.com/quarry-storage/quarry/provider"
	"github.com/quarry-storage/quarry/region"
	"github.com/quarry-storage/quarry/uuidkit"
)

var mon = monkit.Package()

// monLiveRequests is a named task so live-request duration shows up
// separately from each verb's own per-call task.
var monLiveRequests = mon.TaskNamed("live-request")

// Error is the default error class for malformed RPC arguments:
// unparseable UUIDs, unparseable RegionIDs.
var Error = errs.Class("rpc")

// Dispatcher binds each wire verb to a Provider operation. Every
// method sends exactly one Result: decode errors and provider errors
// alike are captured into the envelope rather than propagated as a Go
// error, and a panic inside the provider is recovered and converted
// the same way, so the dispatch boundary always replies exactly once.
type Dispatcher struct {
	log       *zap.Logger
	provider  *provider.Provider
	sanitizer *errs2.LoggingSanitizer

	liveRequests int32
}

// New returns a Dispatcher bound to p. Every completed RPC is logged to
// log at Debug, and a dispatch-boundary panic is logged at Error via
// the sanitizer before being folded into a failed Result.
func New(log *zap.Logger, p *provider.Provider) *Dispatcher {
	return &Dispatcher{
		log:       log,
		provider:  p,
		sanitizer: errs2.NewLoggingSanitizer(nil, log, errs2.CodeMap{}),
	}
}

// LiveRequests returns the number of RPCs currently being dispatched.
func (d *Dispatcher) LiveRequests() int32 {
	return atomic.LoadInt32(&d.liveRequests)
}

// dispatch wraps fn with live-request accounting, a per-verb monkit
// task, structured logging of the outcome, and panic recovery. fn must
// send its result by returning it; dispatch does the one-and-only send.
func (d *Dispatcher) dispatch(ctx context.Context, verb string, fn func(ctx context.Context) Result) (result Result) {
	defer monLiveRequests(&ctx)(nil)
	defer mon.Task()(&ctx, verb)(nil)

	atomic.AddInt32(&d.liveRequests, 1)
	defer atomic.AddInt32(&d.liveRequests, -1)

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err := d.sanitizer.Error("rpc dispatch panic", Error.New("%v", p))
			result = fail(err)
		}
		d.log.Debug("dispatched",
			zap.String("verb", verb),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("success", result.Success),
			zap.String("error", result.Error))
	}()

	return fn(ctx)
}

func parseUUID(s string) (uuidkit.UUID, error) {
	id, err := uuidkit.Parse(s)
	if err != nil {
		return uuidkit.Nil, Error.New("invalid uuid %q: %v", s, err)
	}
	return id, nil
}

func parseRegionID(s string) (region.ID, error) {
	id, err := region.ParseID(s)
	if err != nil {
		return nil, Error.New("invalid region id %q: %v", s, err)
	}
	return id, nil
}

// Segment is the wire shape of an (offset, length) pair used in
// segment arguments.
type Segment struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

func toSegments(in []Segment) region.Segments {
	out := make(region.Segments, len(in))
	for i, s := range in {
		out[i] = region.Segment{Offset: s.Offset, Length: s.Length}
	}
	return out
}

// AddTargetArgs is the add_target verb's arguments.
type AddTargetArgs struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// AddTarget implements the add_target verb.
func (d *Dispatcher) AddTarget(ctx context.Context, args AddTargetArgs) Result {
	return d.dispatch(ctx, "add_target", func(ctx context.Context) Result {
		id, err := d.provider.AddTarget(ctx, args.Type, args.Config)
		if err != nil {
			return fail(err)
		}
		return ok(id.String())
	})
}

// RemoveTargetArgs is the remove_target verb's arguments.
type RemoveTargetArgs struct {
	UUID string `json:"uuid"`
}

// RemoveTarget implements the remove_target verb.
func (d *Dispatcher) RemoveTarget(ctx context.Context, args RemoveTargetArgs) Result {
	return d.dispatch(ctx, "remove_target", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		if err := d.provider.RemoveTarget(ctx, id); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// DestroyTargetArgs is the destroy_target verb's arguments.
type DestroyTargetArgs struct {
	UUID string `json:"uuid"`
}

// DestroyTarget implements the destroy_target verb.
func (d *Dispatcher) DestroyTarget(ctx context.Context, args DestroyTargetArgs) Result {
	return d.dispatch(ctx, "destroy_target", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		if err := d.provider.DestroyTarget(ctx, id); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// AddTransferManagerArgs is the add_transfer_manager verb's arguments.
type AddTransferManagerArgs struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// AddTransferManager implements the add_transfer_manager verb.
func (d *Dispatcher) AddTransferManager(ctx context.Context, args AddTransferManagerArgs) Result {
	return d.dispatch(ctx, "add_transfer_manager", func(ctx context.Context) Result {
		if err := d.provider.AddTransferManager(ctx, args.Name, args.Type, args.Config); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// MigrationOptionsArgs is the wire shape of a migrate_target request's
// options.
type MigrationOptionsArgs struct {
	NewRoot      string          `json:"new_root"`
	TransferSize uint32          `json:"transfer_size"`
	ExtraConfig  json.RawMessage `json:"extra_config"`
	RemoveSource bool            `json:"remove_source"`
}

// MigrateTargetArgs is the migrate_target verb's arguments.
type MigrateTargetArgs struct {
	UUID           string               `json:"uuid"`
	DestAddr       string               `json:"dest_addr"`
	DestProviderID string               `json:"dest_provider_id"`
	Options        MigrationOptionsArgs `json:"options"`
}

// MigrateTarget implements the migrate_target verb.
func (d *Dispatcher) MigrateTarget(ctx context.Context, args MigrateTargetArgs) Result {
	return d.dispatch(ctx, "migrate_target", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		opts := migration.Options{
			NewRoot:      args.Options.NewRoot,
			TransferSize: args.Options.TransferSize,
			ExtraConfig:  args.Options.ExtraConfig,
			RemoveSource: args.Options.RemoveSource,
		}
		if err := d.provider.MigrateTarget(ctx, id, args.DestAddr, args.DestProviderID, opts); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// CheckTargetArgs is the check_target verb's arguments.
type CheckTargetArgs struct {
	UUID string `json:"uuid"`
}

// CheckTarget implements the check_target verb.
func (d *Dispatcher) CheckTarget(ctx context.Context, args CheckTargetArgs) Result {
	return d.dispatch(ctx, "check_target", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		if !d.provider.CheckTarget(id) {
			return fail(rpcstatus.Errorf(rpcstatus.NotFound, "target %s not found", id))
		}
		return ok(true)
	})
}

// CreateArgs is the create verb's arguments.
type CreateArgs struct {
	UUID string `json:"uuid"`
	Size uint64 `json:"size"`
}

// Create implements the create verb.
func (d *Dispatcher) Create(ctx context.Context, args CreateArgs) Result {
	return d.dispatch(ctx, "create", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := d.provider.Create(ctx, id, args.Size)
		if err != nil {
			return fail(err)
		}
		return ok(rid.String())
	})
}

// WriteArgs is the write verb's arguments.
type WriteArgs struct {
	UUID         string    `json:"uuid"`
	RegionID     string    `json:"region_id"`
	Segments     []Segment `json:"segments"`
	BulkHandle   []byte    `json:"bulk_handle"`
	EndpointHint string    `json:"endpoint_hint"`
	BulkOffset   uint64    `json:"bulk_offset"`
	Persist      bool      `json:"persist"`
}

// Write implements the write verb.
func (d *Dispatcher) Write(ctx context.Context, args WriteArgs) Result {
	return d.dispatch(ctx, "write", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		err = d.provider.Write(ctx, id, rid, toSegments(args.Segments), args.BulkHandle, args.EndpointHint, args.BulkOffset, args.Persist)
		if err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// WriteEagerArgs is the write_eager verb's arguments.
type WriteEagerArgs struct {
	UUID        string    `json:"uuid"`
	RegionID    string    `json:"region_id"`
	Segments    []Segment `json:"segments"`
	InlineBytes []byte    `json:"inline_bytes"`
	Persist     bool      `json:"persist"`
}

// WriteEager implements the write_eager verb.
func (d *Dispatcher) WriteEager(ctx context.Context, args WriteEagerArgs) Result {
	return d.dispatch(ctx, "write_eager", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		if err := d.provider.WriteEager(ctx, id, rid, toSegments(args.Segments), args.InlineBytes, args.Persist); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// PersistArgs is the persist verb's arguments.
type PersistArgs struct {
	UUID     string    `json:"uuid"`
	RegionID string    `json:"region_id"`
	Segments []Segment `json:"segments"`
}

// Persist implements the persist verb.
func (d *Dispatcher) Persist(ctx context.Context, args PersistArgs) Result {
	return d.dispatch(ctx, "persist", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		if err := d.provider.Persist(ctx, id, rid, toSegments(args.Segments)); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// CreateWriteArgs is the create_write verb's arguments.
type CreateWriteArgs struct {
	UUID         string `json:"uuid"`
	BulkHandle   []byte `json:"bulk_handle"`
	EndpointHint string `json:"endpoint_hint"`
	BulkOffset   uint64 `json:"bulk_offset"`
	Size         uint64 `json:"size"`
	Persist      bool   `json:"persist"`
}

// CreateWrite implements the create_write verb.
func (d *Dispatcher) CreateWrite(ctx context.Context, args CreateWriteArgs) Result {
	return d.dispatch(ctx, "create_write", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := d.provider.CreateWrite(ctx, id, args.BulkHandle, args.EndpointHint, args.BulkOffset, args.Size, args.Persist)
		if err != nil {
			return fail(err)
		}
		return ok(rid.String())
	})
}

// CreateWriteEagerArgs is the create_write_eager verb's arguments.
type CreateWriteEagerArgs struct {
	UUID        string `json:"uuid"`
	InlineBytes []byte `json:"inline_bytes"`
	Persist     bool   `json:"persist"`
}

// CreateWriteEager implements the create_write_eager verb.
func (d *Dispatcher) CreateWriteEager(ctx context.Context, args CreateWriteEagerArgs) Result {
	return d.dispatch(ctx, "create_write_eager", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := d.provider.CreateWriteEager(ctx, id, args.InlineBytes, args.Persist)
		if err != nil {
			return fail(err)
		}
		return ok(rid.String())
	})
}

// ReadArgs is the read verb's arguments.
type ReadArgs struct {
	UUID         string    `json:"uuid"`
	RegionID     string    `json:"region_id"`
	Segments     []Segment `json:"segments"`
	BulkHandle   []byte    `json:"bulk_handle"`
	EndpointHint string    `json:"endpoint_hint"`
	BulkOffset   uint64    `json:"bulk_offset"`
}

// Read implements the read verb.
func (d *Dispatcher) Read(ctx context.Context, args ReadArgs) Result {
	return d.dispatch(ctx, "read", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		err = d.provider.Read(ctx, id, rid, toSegments(args.Segments), args.BulkHandle, args.EndpointHint, args.BulkOffset)
		if err != nil {
			return fail(err)
		}
		return ok(true)
	})
}

// ReadEagerArgs is the read_eager verb's arguments.
type ReadEagerArgs struct {
	UUID     string    `json:"uuid"`
	RegionID string    `json:"region_id"`
	Segments []Segment `json:"segments"`
}

// ReadEager implements the read_eager verb.
func (d *Dispatcher) ReadEager(ctx context.Context, args ReadEagerArgs) Result {
	return d.dispatch(ctx, "read_eager", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		payload, err := d.provider.ReadEager(ctx, id, rid, toSegments(args.Segments))
		if err != nil {
			return fail(err)
		}
		return ok(payload)
	})
}

// EraseArgs is the erase verb's arguments.
type EraseArgs struct {
	UUID     string `json:"uuid"`
	RegionID string `json:"region_id"`
}

// Erase implements the erase verb.
func (d *Dispatcher) Erase(ctx context.Context, args EraseArgs) Result {
	return d.dispatch(ctx, "erase", func(ctx context.Context) Result {
		id, err := parseUUID(args.UUID)
		if err != nil {
			return fail(err)
		}
		rid, err := parseRegionID(args.RegionID)
		if err != nil {
			return fail(err)
		}
		if err := d.provider.Erase(ctx, id, rid); err != nil {
			return fail(err)
		}
		return ok(true)
	})
}
