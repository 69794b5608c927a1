package vectorindex

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/llm"
)

const defaultMaxSessions = 64

// Registry hands out session handles. Init builds a session completely
// before publishing it, so readers never see a half-built index.
type Registry struct {
	embedder llm.Embedder
	opts     Options
	ids      crawler.IDGenerator
	sessions *lru.Cache[string, *Session]
	current  atomic.Pointer[Session]
}

// NewRegistry keeps up to maxSessions sessions, evicting the least recently
// used (default 64).
func NewRegistry(embedder llm.Embedder, opts Options, ids crawler.IDGenerator, maxSessions int) (*Registry, error) {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	cache, err := lru.New[string, *Session](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Registry{embedder: embedder, opts: opts, ids: ids, sessions: cache}, nil
}

// Init indexes entries into a fresh session, makes it current and returns it.
func (r *Registry) Init(ctx context.Context, entries []Entry) (*Session, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	s := New(r.embedder, r.opts)
	s.id = id
	if err := s.Index(ctx, entries); err != nil {
		return nil, err
	}
	r.sessions.Add(id, s)
	r.current.Store(s)
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Current returns the most recently initialized session.
func (r *Registry) Current() (*Session, error) {
	s := r.current.Load()
	if s == nil {
		return nil, ErrNotInitialized
	}
	return s, nil
}

// Drop forgets a session and reports whether it was known. Dropping the
// current session leaves no current session.
func (r *Registry) Drop(id string) bool {
	present := r.sessions.Remove(id)
	if s := r.current.Load(); s != nil && s.id == id {
		r.current.CompareAndSwap(s, nil)
		present = true
	}
	return present
}
