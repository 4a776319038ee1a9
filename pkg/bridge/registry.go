package bridge

import (
	"errors"
	"fmt"
	"sync"
)

// ============================================
// CALL REGISTRY
// Process-wide index of live call bridges
// ============================================
// The registry is a lookup index only: it does not own bridge lifetime. It is
// an explicitly constructed value so tests and embedders can run independent
// registries instead of sharing a hidden singleton.

// ErrAlreadyRegistered is returned when a call id already maps to a live
// bridge. A second media connection for a call in progress is rejected rather
// than replacing the live bridge: the upstream session's conversational
// context could not survive a swap anyway.
var ErrAlreadyRegistered = errors.New("call already registered")

// Registry maps call ids to live bridges, safe for concurrent use across
// independent call lifecycles. Lookups never contend on a lock held across
// I/O.
type Registry struct {
	calls sync.Map // call id -> *Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register indexes a bridge under its call id. At most one bridge per call id
// is live at any instant.
func (r *Registry) Register(callID string, b *Bridge) error {
	if _, loaded := r.calls.LoadOrStore(callID, b); loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, callID)
	}
	return nil
}

// Lookup resolves a call id to its live bridge.
func (r *Registry) Lookup(callID string) (*Bridge, bool) {
	v, ok := r.calls.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Bridge), true
}

// Unregister drops the entry for a call id. Idempotent.
func (r *Registry) Unregister(callID string) {
	r.calls.Delete(callID)
}

// remove drops the entry only if it still points at b, so a closing bridge
// never evicts a successor registered under the same call id.
func (r *Registry) remove(callID string, b *Bridge) {
	r.calls.CompareAndDelete(callID, b)
}

// Status reports the state of the bridge for a call id, or StateNotFound.
func (r *Registry) Status(callID string) State {
	b, ok := r.Lookup(callID)
	if !ok {
		return StateNotFound
	}
	return b.State()
}

// Len counts the currently registered bridges.
func (r *Registry) Len() int {
	n := 0
	r.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every registered bridge. Used at daemon shutdown.
func (r *Registry) CloseAll() {
	r.calls.Range(func(_, v any) bool {
		v.(*Bridge).Close()
		return true
	})
}
