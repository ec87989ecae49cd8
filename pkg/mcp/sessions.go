package mcp

import "sync"

// SessionRegistry maps event IDs to the MCP sessions waiting on their
// dispatch. Populated when crm.dispatch_event runs without wait.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // eventID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an event ID with a session ID. A redelivered event
// moves to the newest session.
func (r *SessionRegistry) Register(eventID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[eventID] = sessionID
}

// SessionFor returns the session waiting on eventID, if any.
func (r *SessionRegistry) SessionFor(eventID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[eventID]
	return sid, ok
}

// Take returns and forgets the session waiting on eventID.
func (r *SessionRegistry) Take(eventID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.sessions[eventID]
	delete(r.sessions, eventID)
	return sid, ok
}

// Remove deletes every event mapping for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}

// Len returns the number of pending mappings.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
