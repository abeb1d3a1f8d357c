package rpc

import (
	"context"
	"fmt"
)

// RequestHandler answers an inbound request. A returned error becomes the
// error field of the response.
type RequestHandler func(ctx context.Context, args []any) (any, error)

// NotificationHandler consumes an inbound notification. A returned error is
// logged and otherwise dropped.
type NotificationHandler func(ctx context.Context, args []any) error

// Request builds a RequestHandler from a decode step and a typed function.
func Request[T, R any](decode func(args []any) (T, error), fn func(ctx context.Context, params T) (R, error)) RequestHandler {
	return func(ctx context.Context, args []any) (any, error) {
		params, err := decode(args)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, params)
	}
}

// Notification builds a NotificationHandler from a decode step and a typed
// function.
func Notification[T any](decode func(args []any) (T, error), fn func(ctx context.Context, params T) error) NotificationHandler {
	return func(ctx context.Context, args []any) error {
		params, err := decode(args)
		if err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, params)
	}
}

type dispatchKey struct{}

type methodKey struct{}

func (c *Client) dispatchContext(method string) context.Context {
	ctx := context.WithValue(c.ctx, dispatchKey{}, true)
	return context.WithValue(ctx, methodKey{}, method)
}

func onDispatchLoop(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchKey{}).(bool)
	return v
}

// Detached returns a context derived from a handler context that may be
// used for calls from another goroutine. Cancellation is kept.
func Detached(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchKey{}, false)
}

// MethodFromContext returns the method a handler context was created for.
func MethodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey{}).(string)
	return m
}
