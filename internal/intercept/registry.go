package intercept

import (
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// pendingEntry is the response-phase continuation registered by a request
// handler for the same logical request.
type pendingEntry struct {
	handler   ResponseHandler
	networkID network.RequestID
	createdAt time.Time
}

type binding struct {
	networkID network.RequestID
	boundAt   time.Time
}

// Registry tracks pending response continuations keyed by interception id,
// and the interception id to network id bindings.
type Registry struct {
	mu       sync.Mutex
	pending  map[fetch.RequestID]*pendingEntry
	networks map[fetch.RequestID]binding
}

func NewRegistry() *Registry {
	return &Registry{
		pending:  make(map[fetch.RequestID]*pendingEntry),
		networks: make(map[fetch.RequestID]binding),
	}
}

// RegisterPending stores handler for the next phase of id. Registering twice
// for the same id is a programmer error.
func (r *Registry) RegisterPending(id fetch.RequestID, networkID network.RequestID, handler ResponseHandler) error {
	if handler == nil {
		return newError(CodeRegistryMisuse, fmt.Sprintf("nil response handler for interception %s", id), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return newError(CodeRegistryMisuse, fmt.Sprintf("response handler already registered for interception %s", id), nil)
	}
	r.pending[id] = &pendingEntry{handler: handler, networkID: networkID, createdAt: time.Now()}
	return nil
}

// TakePending removes and returns the handler registered for id.
func (r *Registry) TakePending(id fetch.RequestID) (ResponseHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	return entry.handler, true
}

// DropNetwork abandons every pending entry tied to networkID. Bindings are
// kept so a late response pause can still be matched to the cancellation.
func (r *Registry) DropNetwork(networkID network.RequestID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, entry := range r.pending {
		if entry.networkID == networkID {
			delete(r.pending, id)
			dropped++
		}
	}
	return dropped
}

// BindNetwork records the network id for an interception id.
func (r *Registry) BindNetwork(id fetch.RequestID, networkID network.RequestID) {
	if networkID == "" {
		return
	}
	r.mu.Lock()
	r.networks[id] = binding{networkID: networkID, boundAt: time.Now()}
	r.mu.Unlock()
}

// NetworkFor returns the network id bound to id, falling back to id itself.
func (r *Registry) NetworkFor(id fetch.RequestID) network.RequestID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.networks[id]; ok {
		return b.networkID
	}
	return network.RequestID(id)
}

// Unbind removes the network binding for id.
func (r *Registry) Unbind(id fetch.RequestID) {
	r.mu.Lock()
	delete(r.networks, id)
	r.mu.Unlock()
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sweep drops pending entries and bindings older than threshold and returns
// how many pending entries were removed.
func (r *Registry) Sweep(threshold time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, entry := range r.pending {
		if entry.createdAt.Before(threshold) {
			delete(r.pending, id)
			swept++
		}
	}
	for id, b := range r.networks {
		if b.boundAt.Before(threshold) {
			delete(r.networks, id)
		}
	}
	return swept
}

// Reset clears all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.pending = make(map[fetch.RequestID]*pendingEntry)
	r.networks = make(map[fetch.RequestID]binding)
	r.mu.Unlock()
}
