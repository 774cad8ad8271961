// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package transport declares the contract the provider dispatch core
// needs from its RPC engine: endpoint resolution and one-sided pull/push
// against a caller-registered bulk buffer. The engine itself — wire
// framing, connection management, registered memory — is an external
// collaborator; the core only ever holds this interface.
//
// Concrete engines live in sibling packages: transport/localengine (an
// in-process double used for tests and single-host deployments) and
// transport/drpcengine (the production engine built on storj.io/drpc).
package transport

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the default error class for transport-level failures:
// unreachable peer, unknown endpoint hint, bulk buffer too short.
var Error = errs.Class("transport")

// ErrShortBulkBuffer is returned by Pull/Push when the caller's bulk
// buffer does not extend to bulkOffset+length.
var ErrShortBulkBuffer = Error.New("bulk buffer too short")

// Endpoint is an opaque, engine-resolved address. The core never
// constructs one directly; it always obtains one from LookupEndpoint or
// carries one across a migrate_target call.
type Endpoint interface {
	// String renders the endpoint for logging only; it is not
	// guaranteed to round-trip through LookupEndpoint.
	String() string
}

// BulkHandle names a caller-registered bulk memory region. It is opaque
// to the core, which only ever forwards it to the engine.
type BulkHandle []byte

// Engine is the RPC and bulk-memory transport the provider dispatch
// core is built against.
type Engine interface {
	// LookupEndpoint resolves an address hint (empty meaning "the RPC
	// sender") to an Endpoint usable for bulk transfer or migration.
	LookupEndpoint(ctx context.Context, hint string) (Endpoint, error)

	// Pull reads length bytes starting at bulkOffset out of the bulk
	// buffer registered under bulk at endpoint.
	Pull(ctx context.Context, endpoint Endpoint, bulk BulkHandle, bulkOffset uint64, length uint64) ([]byte, error)

	// Push writes payload into the bulk buffer registered under bulk at
	// endpoint, starting at bulkOffset.
	Push(ctx context.Context, endpoint Endpoint, bulk BulkHandle, bulkOffset uint64, payload []byte) error
}
