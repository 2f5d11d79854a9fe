package handler

import (
	"context"

	"github.com/google/uuid"
)

type connIDKey struct{}

// WithConnID returns a copy of ctx carrying id as the connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the connection id stored in ctx, or a fresh one.
func ConnID(ctx context.Context) string {
	if id, ok := ctx.Value(connIDKey{}).(string); ok && id != "" {
		return id
	}
	return NewConnID()
}

func NewConnID() string {
	return uuid.NewString()
}
