// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package registry implements the two maps a provider is built around:
// targets keyed by UUID and transfer managers keyed by name. Both are
// protected by a mutex held only across the map operation itself,
// grounded in the same discipline backend.go's factory registry uses,
// generalized here with reference-counted entries so an in-flight RPC
// can keep using a target after it has been unlinked from the map.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"

	"github.com/quarry-storage/quarry/backend"
	"github.com/quarry-storage/quarry/transfer"
	"github.com/quarry-storage/quarry/uuidkit"
)

// Error is the default error class for registry-level failures:
// unknown target, duplicate UUID, unknown transfer manager.
var Error = errs.Class("registry")

// UnknownTarget builds the not-found error data-path RPCs return for
// an unrecognized target UUID; the error text contains the UUID.
func UnknownTarget(id uuidkit.UUID) error {
	return Error.New("target %s not found", id.String())
}

// targetEntry is a registry entry: an owned backend, a shared reference
// to its bound transfer manager, and the transfer manager's name. Once
// inserted, an entry is never mutated in place — addTarget always
// installs a fresh entry under a fresh UUID.
type targetEntry struct {
	id           uuidkit.UUID
	backend      backend.Backend
	transferName string
	transfer     transfer.Manager

	// refCount starts at one for the registry's own map entry and gains
	// one per outstanding Handle. destroyFlag marks that the backend
	// should be destroyed once the count reaches zero, whether that
	// happens on the unlinking call itself or on a later Handle.Release.
	refCount    int32
	destroyFlag int32
}

// Handle is a reference-counted lease on a registry entry. Callers
// obtained one from Targets.Lookup must call Release exactly once when
// done with it. A Handle remains valid to use even after the entry has
// been unlinked from the registry by a concurrent removeTarget or
// destroyTarget.
type Handle struct {
	entry *targetEntry
}

// Backend returns the target's backend.
func (h *Handle) Backend() backend.Backend { return h.entry.backend }

// Transfer returns the target's bound transfer manager.
func (h *Handle) Transfer() transfer.Manager { return h.entry.transfer }

// TransferName returns the name the target's transfer manager was
// bound under at addTarget time.
func (h *Handle) TransferName() string { return h.entry.transferName }

// ID returns the target's UUID.
func (h *Handle) ID() uuidkit.UUID { return h.entry.id }

// Release decrements the entry's reference count. It is safe to call
// exactly once per Handle; further behavior beyond that is undefined,
// matching the scoped-lease discipline used for RPC response envelopes.
// If this Release is the one that drops the count to zero on an entry
// already unlinked by DestroyAndRemove, it performs the deferred
// backend.Destroy itself, since the destroy_target call that unlinked
// the entry has long since returned and left no request context behind.
func (h *Handle) Release() {
	e := h.entry
	if atomic.AddInt32(&e.refCount, -1) == 0 && atomic.LoadInt32(&e.destroyFlag) == 1 {
		_ = e.backend.Destroy(context.Background())
	}
}

// Targets is the UUID-keyed target registry.
type Targets struct {
	mu      sync.RWMutex
	entries map[uuidkit.UUID]*targetEntry
}

// NewTargets returns an empty target registry.
func NewTargets() *Targets {
	return &Targets{entries: map[uuidkit.UUID]*targetEntry{}}
}

// Insert registers a new target under id. It fails if id is already
// present; this should never happen in practice since ids are freshly
// generated, but addTarget must still check.
func (t *Targets) Insert(id uuidkit.UUID, be backend.Backend, transferName string, tx transfer.Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return Error.New("target %s already registered", id.String())
	}
	t.entries[id] = &targetEntry{id: id, backend: be, transferName: transferName, transfer: tx, refCount: 1}
	return nil
}

// Lookup returns a leased Handle to the target registered under id.
// The caller must Release the handle when done with it.
func (t *Targets) Lookup(id uuidkit.UUID) (*Handle, bool) {
	t.mu.RLock()
	e, ok := t.entries[id]
	if ok {
		atomic.AddInt32(&e.refCount, 1)
	}
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Handle{entry: e}, true
}

// Contains reports whether id is currently registered, without leasing
// a handle. Used by check_target and by duplicate-UUID rejection during
// migration install.
func (t *Targets) Contains(id uuidkit.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Remove unlinks id from the registry without touching the backend's
// on-disk artifacts. It reports whether id was present.
func (t *Targets) Remove(id uuidkit.UUID) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	atomic.AddInt32(&e.refCount, -1)
	return true
}

// DestroyAndRemove unlinks the entry and marks it for destruction. The
// backend is destroyed as soon as the reference count reaches zero:
// immediately, here, if no Handle is currently outstanding, or by the
// last outstanding Handle's Release otherwise. Per the locking
// discipline, the mutex only ever spans the map operation itself.
func (t *Targets) DestroyAndRemove(ctx context.Context, id uuidkit.UUID) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return UnknownTarget(id)
	}

	atomic.StoreInt32(&e.destroyFlag, 1)
	if atomic.AddInt32(&e.refCount, -1) == 0 {
		return e.backend.Destroy(ctx)
	}
	return nil
}

// Len returns the number of registered targets.
func (t *Targets) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for every target currently registered, in no defined
// order. fn must not call back into Targets.
func (t *Targets) Range(fn func(id uuidkit.UUID, be backend.Backend, transferName string)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, e := range t.entries {
		fn(id, e.backend, e.transferName)
	}
}
