package serverstate

import (
	"sort"
	"sync"
	"time"
)

// State holds the server status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string
	Draining bool
}

// SessionRecord is the published view of one bridge session.
type SessionRecord struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Process    string    `json:"process"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines how server and session state is persisted. Implementations
// may keep it in memory or in an external service such as Redis so several
// bridge instances can be listed together.
type Store interface {
	Load() State
	Store(State)
	PutSession(SessionRecord)
	DeleteSession(id string)
	Sessions() []SessionRecord
}

var (
	activeMu sync.RWMutex
	// active is the currently configured Store. It defaults to an in-memory
	// implementation but can be swapped for other strategies.
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store. It is safe for concurrent use.
func UseStore(s Store) {
	if s == nil {
		return
	}
	activeMu.Lock()
	active = s
	activeMu.Unlock()
}

// Active returns the configured Store.
func Active() Store {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// memoryStore implements Store within a single process.
type memoryStore struct {
	mu       sync.RWMutex
	state    State
	sessions map[string]SessionRecord
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	return &memoryStore{state: State{Status: "not_ready"}, sessions: map[string]SessionRecord{}}
}

func (m *memoryStore) Load() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *memoryStore) Store(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *memoryStore) PutSession(r SessionRecord) {
	m.mu.Lock()
	m.sessions[r.ID] = r
	m.mu.Unlock()
}

func (m *memoryStore) DeleteSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *memoryStore) Sessions() []SessionRecord {
	m.mu.RLock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sortSessions(out)
	return out
}

func sortSessions(rs []SessionRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// SetState updates the server status string.
func SetState(status string) {
	s := Active()
	st := s.Load()
	st.Status = status
	s.Store(st)
}

// GetState returns the current server status.
func GetState() string {
	return Active().Load().Status
}

// StartDrain marks the server as draining. New control connections are
// refused while existing sessions run to completion.
func StartDrain() {
	s := Active()
	st := s.Load()
	st.Draining = true
	st.Status = "draining"
	s.Store(st)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return Active().Load().Draining
}
