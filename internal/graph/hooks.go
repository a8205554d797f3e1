package graph

import "github.com/PINTO0309/yolov9-qat/internal/tensor"

// Hook observes a module's forward computation. Hooks run synchronously after
// Forward in registration order; they must not mutate the output.
type Hook func(m Module, inputs []*tensor.Tensor, output *tensor.Tensor)

type hookEntry struct {
	id int
	fn Hook
}

// hooks keys on module identity. Single-threaded by design, so no locking.
var (
	hooks      = map[Module][]hookEntry{}
	nextHookID int
)

// HookHandle identifies one registered hook so it can be removed.
type HookHandle struct {
	m  Module
	id int
}

// RegisterForwardHook attaches h to m. It fires on every Call of m until the
// returned handle is removed.
func RegisterForwardHook(m Module, h Hook) HookHandle {
	nextHookID++
	hooks[m] = append(hooks[m], hookEntry{id: nextHookID, fn: h})
	return HookHandle{m: m, id: nextHookID}
}

// Remove detaches the hook. Removing twice is a no-op.
func (h HookHandle) Remove() {
	entries := hooks[h.m]
	for i, e := range entries {
		if e.id == h.id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(hooks, h.m)
	} else {
		hooks[h.m] = entries
	}
}

// HookCount returns the number of hooks attached anywhere in the tree rooted
// at m.
func HookCount(m Module) int {
	n := 0
	for _, nm := range NamedModules(m) {
		n += len(hooks[nm.Module])
	}
	return n
}

// Call is the single entry point for invoking a module: it runs Forward and
// then any registered hooks. Parent modules route child invocations through
// it so that hook observation matches traversal order.
func Call(m Module, xs ...*tensor.Tensor) *tensor.Tensor {
	out := m.Forward(xs...)
	for _, e := range hooks[m] {
		e.fn(m, xs, out)
	}
	return out
}
