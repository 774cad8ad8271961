// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package drpcengine

import (
	"context"
	"encoding/json"

	"github.com/quarry-storage/quarry/rpc"
)

// dispatchVerb decodes args into the argument struct each verb expects
// and calls the matching rpc.Dispatcher method: the wire-side half of
// the RPC surface this package defines.
func dispatchVerb(ctx context.Context, d *rpc.Dispatcher, verb string, args json.RawMessage) rpc.Result {
	switch verb {
	case "add_target":
		return decodeAndCall(args, d.AddTarget, ctx)
	case "remove_target":
		return decodeAndCall(args, d.RemoveTarget, ctx)
	case "destroy_target":
		return decodeAndCall(args, d.DestroyTarget, ctx)
	case "add_transfer_manager":
		return decodeAndCall(args, d.AddTransferManager, ctx)
	case "migrate_target":
		return decodeAndCall(args, d.MigrateTarget, ctx)
	case "check_target":
		return decodeAndCall(args, d.CheckTarget, ctx)
	case "create":
		return decodeAndCall(args, d.Create, ctx)
	case "write":
		return decodeAndCall(args, d.Write, ctx)
	case "write_eager":
		return decodeAndCall(args, d.WriteEager, ctx)
	case "persist":
		return decodeAndCall(args, d.Persist, ctx)
	case "create_write":
		return decodeAndCall(args, d.CreateWrite, ctx)
	case "create_write_eager":
		return decodeAndCall(args, d.CreateWriteEager, ctx)
	case "read":
		return decodeAndCall(args, d.Read, ctx)
	case "read_eager":
		return decodeAndCall(args, d.ReadEager, ctx)
	case "erase":
		return decodeAndCall(args, d.Erase, ctx)
	default:
		return rpc.Result{Success: false, Error: Error.New("unknown verb %q", verb).Error()}
	}
}

// decodeAndCall is a tiny generic to avoid repeating the
// "json.Unmarshal then call" pair for every verb above.
func decodeAndCall[A any](args json.RawMessage, fn func(context.Context, A) rpc.Result, ctx context.Context) rpc.Result {
	var a A
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return rpc.Result{Success: false, Error: Error.New("malformed args: %v", err).Error()}
		}
	}
	return fn(ctx, a)
}
