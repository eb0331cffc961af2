package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP session watches each flow. A flow is
// watched by the session of the last tool call that named it; a session may
// watch many flows.
type SessionRegistry struct {
	mu      sync.RWMutex
	watcher map[string]string              // flow → session
	watched map[string]map[string]struct{} // session → flows
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		watcher: make(map[string]string),
		watched: make(map[string]map[string]struct{}),
	}
}

// Register hands flowID to sessionID, taking it from any earlier watcher.
func (r *SessionRegistry) Register(flowID, sessionID string) {
	if flowID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.watcher[flowID]; ok && prev != sessionID {
		r.release(prev, flowID)
	}
	r.watcher[flowID] = sessionID
	flows := r.watched[sessionID]
	if flows == nil {
		flows = make(map[string]struct{})
		r.watched[sessionID] = flows
	}
	flows[flowID] = struct{}{}
}

// SessionFor returns the session watching flowID.
func (r *SessionRegistry) SessionFor(flowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watcher[flowID]
	return sid, ok
}

// Remove drops a disconnected session and returns the flows it watched,
// sorted.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	flows := make([]string, 0, len(r.watched[sessionID]))
	for flowID := range r.watched[sessionID] {
		delete(r.watcher, flowID)
		flows = append(flows, flowID)
	}
	delete(r.watched, sessionID)
	slices.Sort(flows)
	return flows
}

func (r *SessionRegistry) release(sessionID, flowID string) {
	flows := r.watched[sessionID]
	delete(flows, flowID)
	if len(flows) == 0 {
		delete(r.watched, sessionID)
	}
}
