// Package ctxutil provides type-safe context keys.
package ctxutil

import (
	"context"
	"fmt"
)

// Key is a typed context key. Distinct instantiations never collide even with
// the same name.
type Key[T any] struct {
	name string
}

// NewKey creates a new typed context key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// String implements fmt.Stringer for debugging.
func (k Key[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

// Set stores a value in the context under the typed key.
func Set[T any](ctx context.Context, key Key[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// Get retrieves the value stored under the typed key.
func Get[T any](ctx context.Context, key Key[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}
