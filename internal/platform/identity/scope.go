package identity

import (
	"context"
	"sync"
)

// InsurantID identifies the owner of a health record. Compared by exact value.
type InsurantID string

// ActorID is the telematik id of the acting party (pharmacy, practice, SMC-B).
type ActorID string

type contextKey string

const ScopeKey contextKey = "identity_scope"

// Scope holds the caller identity of one in-flight request. A Scope is
// created per request and must never be shared with another request.
// The zero value is an empty, usable scope; a nil *Scope reads as empty.
type Scope struct {
	mu       sync.RWMutex
	insurant InsurantID
	actor    ActorID
}

func NewScope() *Scope {
	return &Scope{}
}

// SetInsurant records the insurant for the current request. An empty id
// unsets it.
func (s *Scope) SetInsurant(id InsurantID) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.insurant = id
	s.mu.Unlock()
}

func (s *Scope) Insurant() (InsurantID, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insurant, s.insurant != ""
}

func (s *Scope) SetActor(id ActorID) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.actor = id
	s.mu.Unlock()
}

func (s *Scope) Actor() (ActorID, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actor, s.actor != ""
}

// Clear drops both identity values.
func (s *Scope) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.insurant = ""
	s.actor = ""
	s.mu.Unlock()
}

// WithScope returns a copy of ctx carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, s)
}

// FromContext returns the request scope stored in ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ScopeKey).(*Scope)
	return s
}

// InsurantFromContext is shorthand for FromContext(ctx).Insurant().
func InsurantFromContext(ctx context.Context) (InsurantID, bool) {
	return FromContext(ctx).Insurant()
}

// ActorFromContext is shorthand for FromContext(ctx).Actor().
func ActorFromContext(ctx context.Context) (ActorID, bool) {
	return FromContext(ctx).Actor()
}

// Begin opens a fresh scope for a unit of work. The returned release func
// clears the scope and must be deferred by the caller.
func Begin(ctx context.Context) (context.Context, *Scope, func()) {
	s := NewScope()
	return WithScope(ctx, s), s, s.Clear
}

// Run executes fn inside a fresh scope and clears it on every exit path,
// including panics.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, _, release := Begin(ctx)
	defer release()
	return fn(ctx)
}
