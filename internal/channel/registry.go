package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/lspbridge/internal/logx"
)

const DefaultTTL = 60 * time.Second

var (
	ErrNotFound = errors.New("channel not found")
	ErrExpired  = errors.New("channel expired")
	ErrTaken    = errors.New("channel already attached")
	ErrClosed   = errors.New("channel closed")
)

// Resolver hands a session the port the editor attached under id.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Port, error)
}

type Registry struct {
	// AcceptOptions are passed to websocket.Accept when an editor attaches.
	AcceptOptions *websocket.AcceptOptions
	// ReadLimit caps a single inbound message; zero keeps the library default.
	ReadLimit int64

	mu       sync.Mutex
	channels map[string]*slot
	expired  map[string]time.Time
	ttl      time.Duration
}

type slot struct {
	id        string
	expiresAt time.Time
	ep        *Endpoint
	claimed   bool
	ready     chan struct{}
	done      chan struct{}
	timer     *time.Timer
	mu        sync.Mutex
	closed    bool
	err       error
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{channels: make(map[string]*slot), expired: make(map[string]time.Time), ttl: ttl}
}

// Create reserves a handle. It expires unless attached within the TTL.
func (r *Registry) Create() (string, time.Time) {
	id := uuid.NewString()
	expires := time.Now().Add(r.ttl)
	s := &slot{
		id:        id,
		expiresAt: expires,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.timer = time.AfterFunc(r.ttl, func() {
		r.expire(id)
	})
	r.mu.Lock()
	r.channels[id] = s
	for old, at := range r.expired {
		if time.Since(at) > r.ttl {
			delete(r.expired, old)
		}
	}
	r.mu.Unlock()
	return id, expires
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	s := r.channels[id]
	if s == nil {
		r.mu.Unlock()
		return
	}
	delete(r.channels, id)
	r.expired[id] = time.Now()
	r.mu.Unlock()
	s.close(ErrExpired)
}

func (r *Registry) lookup(id string) (*slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.channels[id]; s != nil {
		return s, nil
	}
	if _, ok := r.expired[id]; ok {
		return nil, ErrExpired
	}
	return nil, ErrNotFound
}

// Attach binds the editor's endpoint to id.
func (r *Registry) Attach(id string, ep *Endpoint) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if errors.Is(s.err, ErrExpired) {
			return ErrExpired
		}
		return ErrClosed
	}
	if s.ep != nil {
		return ErrTaken
	}
	s.ep = ep
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.ready)
	return nil
}

// Resolve claims id for a session, waiting until the editor attaches. Each
// handle can be claimed once.
func (r *Registry) Resolve(ctx context.Context, id string) (Port, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.claimed {
		s.mu.Unlock()
		return nil, ErrTaken
	}
	s.claimed = true
	s.mu.Unlock()

	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ep, nil
	case <-s.done:
		return nil, s.error()
	case <-ctx.Done():
		s.mu.Lock()
		s.claimed = false
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close forgets id and releases anyone waiting on it.
func (r *Registry) Close(id string, err error) {
	r.mu.Lock()
	s := r.channels[id]
	if s != nil {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if s != nil {
		s.close(err)
	}
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (s *slot) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if err == nil {
		err = ErrClosed
	}
	s.err = err
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *slot) error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (r *Registry) HandleCreate(w http.ResponseWriter, _ *http.Request) {
	id, expires := r.Create()
	resp := map[string]any{
		"id":         id,
		"expires_at": expires.UTC().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAttach upgrades the request to a websocket and attaches it under id.
// It returns once the endpoint has ended.
func (r *Registry) HandleAttach(w http.ResponseWriter, req *http.Request, id string) {
	s, err := r.lookup(id)
	if err == nil {
		s.mu.Lock()
		if s.ep != nil {
			err = ErrTaken
		}
		s.mu.Unlock()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := websocket.Accept(w, req, r.AcceptOptions)
	if err != nil {
		return
	}
	if r.ReadLimit > 0 {
		c.SetReadLimit(r.ReadLimit)
	}
	ep := NewEndpoint(c)
	if err := r.Attach(id, ep); err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	logx.Log.Debug().Str("channel", id).Str("remote_addr", req.RemoteAddr).Msg("channel attached")
	select {
	case <-ep.Done():
	case <-s.done:
		ep.End()
	}
	r.Close(id, nil)
	logx.Log.Debug().Str("channel", id).Msg("channel released")
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "channel_not_found"})
	case errors.Is(err, ErrExpired):
		writeJSON(w, http.StatusGone, map[string]any{"error": "channel_expired"})
	case errors.Is(err, ErrTaken):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "channel_in_use"})
	case errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusGone, map[string]any{"error": "channel_closed"})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "channel_failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
