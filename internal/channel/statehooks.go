package channel

import "sync"

// StateHooks is a registry of state-change callbacks shared by transports.
type StateHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func(State)
}

// Add registers fn and returns its removal function.
func (h *StateHooks) Add(fn func(State)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooks == nil {
		h.hooks = make(map[int]func(State))
	}
	id := h.next
	h.next++
	h.hooks[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.hooks, id)
		h.mu.Unlock()
	}
}

// Fire calls every registered hook with s.
func (h *StateHooks) Fire(s State) {
	h.mu.Lock()
	fns := make([]func(State), 0, len(h.hooks))
	for _, fn := range h.hooks {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
