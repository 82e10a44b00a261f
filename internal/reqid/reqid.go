// Package reqid carries a per-request id through contexts.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the request scope.
type key struct{}

// Scope is one request as seen by the server. Every WithID call makes a new
// Scope, so two requests sharing a client-supplied id stay distinct.
type Scope struct {
	id string
}

// ID returns the request id of the scope.
func (s *Scope) ID() string { return s.id }

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithID(parent, id), id
}

// WithID returns a copy of parent carrying id. Callers use it to adopt an
// id supplied by a client.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, &Scope{id: id})
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return "", false
	}
	return s.id, true
}

// ScopeFrom returns the request scope stored in ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(key{}).(*Scope)
	return s, ok
}

// Valid reports whether id has the shape of an id NewContext would issue.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
