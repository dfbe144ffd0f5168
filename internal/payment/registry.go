package payment

import (
	"errors"
	"sync"

	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

var ErrSessionNotFound = errors.New("payment session not found")

// Registry holds the open sessions of this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open creates a session and tracks it until it closes.
func (r *Registry) Open(product tag.ProductPayload, deps Deps, opts ...Option) *Session {
	s := New(product, deps, append(opts, WithOnClose(r.remove))...)
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every open session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.RUnlock()
	for _, s := range open {
		s.Close()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
