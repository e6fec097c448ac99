package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryHub connects routers living in one process. Messages are copied
// through their JSON form so parties never share memory.
type MemoryHub struct {
	mu      sync.RWMutex
	routers map[string]*Router
	filter  func(*Message) bool
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{routers: make(map[string]*Router)}
}

// Attach registers r under its own identifier and points its transport at
// the hub.
func (h *MemoryHub) Attach(r *Router) {
	h.mu.Lock()
	h.routers[r.Self()] = r
	h.mu.Unlock()
	r.SetTransport(h)
}

// Detach removes a party, making it unreachable.
func (h *MemoryHub) Detach(xpub string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routers, xpub)
}

// SetFilter installs a predicate; messages it rejects are silently lost.
func (h *MemoryHub) SetFilter(filter func(*Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = filter
}

// Send implements Transport.
func (h *MemoryHub) Send(_ context.Context, msg *Message) error {
	h.mu.RLock()
	target, ok := h.routers[msg.To]
	filter := h.filter
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, short(msg.To))
	}
	if filter != nil && !filter(msg) {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var copied Message
	if err := json.Unmarshal(raw, &copied); err != nil {
		return err
	}
	return target.Deliver(&copied)
}
