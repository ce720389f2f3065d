// Package hooking lets observers attach to the lifecycle points of nodes
// and ports without the observed code knowing about them.
package hooking

import (
	"reflect"
	"sync"
)

// HookPos names a point in the lifecycle of a hookable domain.
type HookPos struct {
	Name string
}

// HookCtx describes one firing of a hook.
type HookCtx struct {
	// Domain is the object raising the hook.
	Domain Hookable

	// Pos is where the hook fires from.
	Pos *HookPos

	// Item is the subject of the hook, usually a message or a port name.
	Item any

	// Detail carries position-specific extra data and may be nil.
	Detail any
}

// Hookable is an object that accepts hooks.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
	InvokeHook(ctx HookCtx)
}

// Hook is invoked by a Hookable at its hook positions. Hooks may be invoked
// from several goroutines at once and must synchronize their own state.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// HookableBase implements the bookkeeping side of Hookable. The zero value
// is ready to use.
type HookableBase struct {
	lock  sync.RWMutex
	hooks []Hook
}

// NewHookableBase creates a HookableBase.
func NewHookableBase() *HookableBase {
	return &HookableBase{}
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, existing := range h.hooks {
		if sameHook(existing, hook) {
			panic("duplicated hook")
		}
	}

	h.hooks = append(h.hooks, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.hooks)
}

// InvokeHook calls every registered hook in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.lock.RLock()
	hooks := h.hooks
	h.lock.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}

// sameHook compares hooks without tripping over function-typed hooks, which
// are not comparable.
func sameHook(a, b Hook) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}

	return a == b
}

var _ Hookable = (*HookableBase)(nil)
