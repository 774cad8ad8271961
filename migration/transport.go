// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package migration

import (
	"context"

	"github.com/quarry-storage/quarry/transport"
)

// Client is a migration session opened against one peer. Migrate must
// only be called once per Client.
type Client interface {
	// Migrate streams fs to the peer, rooted at newRoot on the peer's
	// side, and runs the peer's before/after install hooks. It returns
	// nil only if both hooks accepted the transfer and every file
	// landed; on any other outcome the peer is expected to have rolled
	// back whatever it started installing.
	Migrate(ctx context.Context, fs FileSet, newRoot string, mode Mode) error

	// Close releases the session. Safe to call after a failed Migrate.
	Close() error
}

// Transport resolves a destination endpoint into a migration Client.
// It is the migration engine's only dependency on the RPC transport,
// kept separate from transport.Engine because migration is optional:
// the rest of the provider works unchanged when no migration transport
// is configured.
type Transport interface {
	Dial(ctx context.Context, endpoint transport.Endpoint, destProviderID string) (Client, error)
}
