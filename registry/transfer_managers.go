// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package registry

import (
	"sync"

	"github.com/quarry-storage/quarry/transfer"
)

// DefaultTransferManagerName is the name every provider guarantees is
// present in its transfer-manager registry.
const DefaultTransferManagerName = "__default__"

// TransferManagers is the name-keyed transfer-manager registry. Unlike
// Targets, entries here are never reference-counted or removed: transfer
// managers are shared many-to-one across targets and live for the
// provider's lifetime.
type TransferManagers struct {
	mu      sync.RWMutex
	entries map[string]transfer.Manager
}

// NewTransferManagers returns an empty transfer-manager registry.
func NewTransferManagers() *TransferManagers {
	return &TransferManagers{entries: map[string]transfer.Manager{}}
}

// Insert registers tx under name. It fails if name is already taken;
// the error text contains the offending name.
func (m *TransferManagers) Insert(name string, tx transfer.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[name]; exists {
		return Error.New("transfer manager %q already registered", name)
	}
	m.entries[name] = tx
	return nil
}

// Lookup returns the transfer manager registered under name.
func (m *TransferManagers) Lookup(name string) (transfer.Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.entries[name]
	return tx, ok
}

// Range calls fn for every registered transfer manager, in no defined
// order. fn must not call back into TransferManagers.
func (m *TransferManagers) Range(fn func(name string, tx transfer.Manager)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, tx := range m.entries {
		fn(name, tx)
	}
}
