package rpc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Middleware wraps an inbound request handler.
type Middleware func(next RequestHandler) RequestHandler

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next RequestHandler) RequestHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// RecoverMiddleware converts a handler panic into an error response.
func RecoverMiddleware() Middleware {
	return func(next RequestHandler) RequestHandler {
		return func(ctx context.Context, args []any) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = fmt.Errorf("handler %s panicked: %v", MethodFromContext(ctx), r)
				}
			}()
			return next(ctx, args)
		}
	}
}

// LoggingMiddleware logs every inbound request with its duration and error.
func LoggingMiddleware(logf func(string, ...any)) Middleware {
	return func(next RequestHandler) RequestHandler {
		return func(ctx context.Context, args []any) (any, error) {
			start := time.Now()
			result, err := next(ctx, args)
			duration := time.Since(start)
			if err != nil {
				logf("[comrade] rpc: request %s failed after %s: %v", MethodFromContext(ctx), duration, err)
			} else {
				logf("[comrade] rpc: request %s served in %s", MethodFromContext(ctx), duration)
			}
			return result, err
		}
	}
}

// RateLimitMiddleware rejects inbound requests above r per second, allowing
// bursts of burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next RequestHandler) RequestHandler {
		return func(ctx context.Context, args []any) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, args)
		}
	}
}
