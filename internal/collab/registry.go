package collab

import (
	"sort"
	"sync"
)

// session is the presence set of one document. Each present user maps to the
// connections that joined as that user.
type session struct {
	members map[string]map[string]struct{}
	order   []string
}

func newSession() *session {
	return &session{members: make(map[string]map[string]struct{})}
}

func (s *session) dropUser(userID string) {
	delete(s.members, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

type connEntry struct {
	userID string
	// documents joined by this connection and the user id it joined each as
	documents map[string]string
}

// Registry tracks document presence and which connection belongs to which
// user. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[string]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		conns:    make(map[string]*connEntry),
	}
}

// RegisterConnection records connID as belonging to userID, replacing any
// earlier mapping.
func (r *Registry) RegisterConnection(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(connID).userID = userID
}

func (r *Registry) entry(connID string) *connEntry {
	e, ok := r.conns[connID]
	if !ok {
		e = &connEntry{documents: make(map[string]string)}
		r.conns[connID] = e
	}
	return e
}

// AddMember adds userID to the document through connID. It returns true when
// the user was not present before.
func (r *Registry) AddMember(documentID, userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	if !ok {
		s = newSession()
		r.sessions[documentID] = s
	}

	conns, present := s.members[userID]
	if !present {
		conns = make(map[string]struct{})
		s.members[userID] = conns
		s.order = append(s.order, userID)
	}
	conns[connID] = struct{}{}

	e := r.entry(connID)
	if e.userID == "" {
		e.userID = userID
	}
	e.documents[documentID] = userID

	return !present
}

// RemoveMember drops connID's membership of userID in the document. It
// returns true when that was the user's last connection there. Unknown
// documents, users and connections are ignored.
func (r *Registry) RemoveMember(documentID, userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[connID]; ok && e.documents[documentID] == userID {
		delete(e.documents, documentID)
		if len(e.documents) == 0 {
			delete(r.conns, connID)
		}
	}

	s, ok := r.sessions[documentID]
	if !ok {
		return false
	}
	conns, ok := s.members[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}

	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	s.dropUser(userID)
	return true
}

// MembersOf returns the member count and the members in join order.
func (r *Registry) MembersOf(documentID string) (int, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[documentID]
	if !ok {
		return 0, []string{}
	}
	members := make([]string, len(s.order))
	copy(members, s.order)
	return len(members), members
}

func (r *Registry) Count(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[documentID]; ok {
		return len(s.members)
	}
	return 0
}

// ConnectionUser resolves the user a connection last joined as.
func (r *Registry) ConnectionUser(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return e.userID, true
}

// JoinedAs reports the user id connID joined the document as, if it did.
func (r *Registry) JoinedAs(connID, documentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	userID, ok := e.documents[documentID]
	return userID, ok
}

// DocumentsOf returns the documents connID has joined, keyed by document id
// with the user id it joined as.
func (r *Registry) DocumentsOf(connID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return map[string]string{}
	}
	docs := make(map[string]string, len(e.documents))
	for doc, user := range e.documents {
		docs[doc] = user
	}
	return docs
}

// DocumentsContaining scans every session for userID.
func (r *Registry) DocumentsContaining(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := []string{}
	for id, s := range r.sessions {
		if _, ok := s.members[userID]; ok {
			docs = append(docs, id)
		}
	}
	sort.Strings(docs)
	return docs
}

// ForgetConnection deletes the connection index entry.
func (r *Registry) ForgetConnection(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	delete(r.conns, connID)
	return true
}

// ActiveDocuments returns member counts of every non-empty session.
func (r *Registry) ActiveDocuments() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]int)
	for id, s := range r.sessions {
		if n := len(s.members); n > 0 {
			active[id] = n
		}
	}
	return active
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PruneEmpty removes sessions whose last member has left.
func (r *Registry) PruneEmpty() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, s := range r.sessions {
		if len(s.members) == 0 {
			delete(r.sessions, id)
			pruned++
		}
	}
	return pruned
}

func (r *Registry) sessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
