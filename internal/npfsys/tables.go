// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package npfsys

import (
	"sync"

	"grimm.is/npfw/internal/table"
)

// TableRegistry is the id-keyed lookup from a BPF table-lookup
// coprocessor's table id operand to the concrete table.Table it names
// (classifier.Tables). Reconfiguration (loading a new table set) is
// rare next to the packet path it serves, so a plain mutex-guarded map
// is enough, the same tradeoff internal/nat.PolicySet makes for the
// same reason.
type TableRegistry struct {
	mu   sync.RWMutex
	byID map[uint32]table.Table
}

// NewTableRegistry returns an empty table registry.
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{byID: make(map[uint32]table.Table)}
}

// Register binds id to t, replacing any table previously bound to id.
func (r *TableRegistry) Register(id uint32, t table.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = t
}

// Unregister drops the table bound to id, if any.
func (r *TableRegistry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Table implements classifier.Tables.
func (r *TableRegistry) Table(id uint32) (table.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}
