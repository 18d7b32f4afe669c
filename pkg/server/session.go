package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNameTaken      = errors.New("name already taken")
	ErrInvalidSession = errors.New("session requires an id and a name")
)

// Transport names recorded on sessions
const (
	TransportUDP       = "udp"
	TransportWebSocket = "websocket"
)

// RemoveReason describes why a session left the registry
type RemoveReason int

const (
	RemoveVoluntary RemoveReason = iota // client sent LOGOFF
	RemoveEvicted                       // transport failure
	RemoveShutdown                      // relay shutdown
)

func (r RemoveReason) String() string {
	switch r {
	case RemoveVoluntary:
		return "voluntary"
	case RemoveEvicted:
		return "evicted"
	case RemoveShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Session represents a registered chat participant
type Session struct {
	ID          string
	Name        string
	Addr        net.Addr // reply address (UDP sessions only)
	Transport   string
	ConnectedAt time.Time
}

// RegistryObserver is notified after registry changes, outside the registry lock
type RegistryObserver interface {
	SessionRegistered(sess Session, active int)
	SessionRemoved(sess Session, reason RemoveReason, active int)
}

// Registry tracks live sessions and claimed names. A name is held by at
// most one session or reservation at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // id -> session
	byAddr   map[string]string   // addr -> id
	names    map[string]string   // name -> owning session id
	reserved map[string]struct{} // names reserved by WebSocket peers

	observers []RegistryObserver
	now       func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byAddr:   make(map[string]string),
		names:    make(map[string]string),
		reserved: make(map[string]struct{}),
		now:      time.Now,
	}
}

// AddObserver attaches an observer. Not safe to call concurrently with mutations.
func (r *Registry) AddObserver(o RegistryObserver) {
	r.observers = append(r.observers, o)
}

// Register adds a session. Registering an id again replaces the earlier
// session and frees its old name. Returns ErrNameTaken if another session
// or a reservation holds the name.
func (r *Registry) Register(sess *Session) error {
	if sess == nil || sess.ID == "" || sess.Name == "" {
		return ErrInvalidSession
	}

	r.mu.Lock()
	if _, ok := r.reserved[sess.Name]; ok {
		r.mu.Unlock()
		return ErrNameTaken
	}
	if owner, ok := r.names[sess.Name]; ok && owner != sess.ID {
		r.mu.Unlock()
		return ErrNameTaken
	}

	if old, ok := r.sessions[sess.ID]; ok {
		r.unindexLocked(old)
	}

	stored := *sess
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = r.now()
	}
	if stored.Transport == "" {
		stored.Transport = TransportUDP
	}
	r.sessions[stored.ID] = &stored
	r.names[stored.Name] = stored.ID
	if stored.Addr != nil {
		r.byAddr[stored.Addr.String()] = stored.ID
	}
	active := len(r.sessions)
	r.mu.Unlock()

	for _, o := range r.observers {
		o.SessionRegistered(stored, active)
	}
	return nil
}

// unindexLocked drops the name and address entries owned by sess
func (r *Registry) unindexLocked(sess *Session) {
	if r.names[sess.Name] == sess.ID {
		delete(r.names, sess.Name)
	}
	if sess.Addr != nil {
		key := sess.Addr.String()
		if r.byAddr[key] == sess.ID {
			delete(r.byAddr, key)
		}
	}
}

// Lookup returns a copy of the session with the given id
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// LookupByAddr returns the session last registered from addr
func (r *Registry) LookupByAddr(addr net.Addr) (Session, bool) {
	if addr == nil {
		return Session{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAddr[addr.String()]
	if !ok {
		return Session{}, false
	}
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ContainsID reports whether a session with the given id is registered
func (r *Registry) ContainsID(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// ContainsName reports whether name is held by a session or a reservation
func (r *Registry) ContainsName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.names[name]; ok {
		return true
	}
	_, ok := r.reserved[name]
	return ok
}

// Remove deletes a session. It returns false if the id is not registered.
func (r *Registry) Remove(id string, reason RemoveReason) (Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	delete(r.sessions, id)
	r.unindexLocked(sess)
	active := len(r.sessions)
	removed := *sess
	r.mu.Unlock()

	for _, o := range r.observers {
		o.SessionRemoved(removed, reason, active)
	}
	return removed, true
}

// RemoveByAddr deletes the session registered from addr
func (r *Registry) RemoveByAddr(addr net.Addr, reason RemoveReason) (Session, bool) {
	sess, ok := r.LookupByAddr(addr)
	if !ok {
		return Session{}, false
	}
	return r.Remove(sess.ID, reason)
}

// ClearAll removes every session. Name reservations are kept.
func (r *Registry) ClearAll(reason RemoveReason) []Session {
	r.mu.Lock()
	removed := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		removed = append(removed, *sess)
	}
	r.sessions = make(map[string]*Session)
	r.byAddr = make(map[string]string)
	r.names = make(map[string]string)
	r.mu.Unlock()

	sortSessions(removed)
	for _, sess := range removed {
		for _, o := range r.observers {
			o.SessionRemoved(sess, reason, 0)
		}
	}
	return removed
}

// IsEmpty reports whether no sessions are registered
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all sessions ordered by connect time, then id
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// ReserveName claims a name without a session. Returns false if the name is
// already registered or reserved.
func (r *Registry) ReserveName(name string) bool {
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return false
	}
	if _, ok := r.reserved[name]; ok {
		return false
	}
	r.reserved[name] = struct{}{}
	return true
}

// ReleaseName drops a reservation. Returns false if name was not reserved.
func (r *Registry) ReleaseName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[name]; !ok {
		return false
	}
	delete(r.reserved, name)
	return true
}

// String renders the registry for debug output
func (r *Registry) String() string {
	sessions := r.Snapshot()

	r.mu.RLock()
	reserved := make([]string, 0, len(r.reserved))
	for name := range r.reserved {
		reserved = append(reserved, name)
	}
	r.mu.RUnlock()
	sort.Strings(reserved)

	var b strings.Builder
	fmt.Fprintf(&b, "Registry{%d sessions", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "; %s (%s) via %s", s.ID, s.Name, s.Transport)
		if s.Addr != nil {
			fmt.Fprintf(&b, " at %s", s.Addr)
		}
	}
	if len(reserved) > 0 {
		fmt.Fprintf(&b, "; reserved: %s", strings.Join(reserved, ", "))
	}
	b.WriteString("}")
	return b.String()
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].ConnectedAt.Equal(s[j].ConnectedAt) {
			return s[i].ConnectedAt.Before(s[j].ConnectedAt)
		}
		return s[i].ID < s[j].ID
	})
}
