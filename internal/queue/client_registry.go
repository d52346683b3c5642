package queue

import (
	"sync"
	"time"
)

// ClientRegistry tracks which client ids have touched a queue so IsFinished
// can tell whether more than one client has used it: a client must not declare a
// queue finished while a peer may still be enqueueing.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]time.Time
}

// NewClientRegistry builds an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]time.Time)}
}

// Touch records that clientID performed an operation against the queue just
// now. Call this on every Add/Update/fetchNext a client makes.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = time.Now()
}

// HadMultipleClients reports whether more than one distinct client id has
// ever touched this queue.
func (r *ClientRegistry) HadMultipleClients() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) > 1
}

// ClientCount returns the number of distinct clients seen.
func (r *ClientRegistry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
