package rpc

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echoHandler(ctx context.Context, args []any) (any, error) {
	return "ok", nil
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next RequestHandler) RequestHandler {
			return func(ctx context.Context, args []any) (any, error) {
				trace = append(trace, name)
				return next(ctx, args)
			}
		}
	}

	h := Chain(mark("outer"), mark("inner"))(echoHandler)
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(trace, ",") != "outer,inner" {
		t.Fatalf("unexpected order %v", trace)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimitMiddleware(0.001, 1)(echoHandler)

	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if _, err := h(context.Background(), nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware()(func(ctx context.Context, args []any) (any, error) {
		panic("boom")
	})

	v, err := h(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected recovered error, got %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil result, got %v", v)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	logf := func(format string, args ...any) {
		lines = append(lines, format)
	}

	h := LoggingMiddleware(logf)(func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("nope")
	})
	if _, err := h(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "failed") {
		t.Fatalf("unexpected log lines %v", lines)
	}
}

func TestTypedHandlers(t *testing.T) {
	decode := func(args []any) (string, error) {
		if len(args) != 1 {
			return "", errors.New("want one argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return "", errors.New("want a string")
		}
		return s, nil
	}

	req := Request(decode, func(ctx context.Context, s string) (int, error) {
		return len(s), nil
	})
	if v, err := req(context.Background(), []any{"four"}); err != nil || v != 4 {
		t.Fatalf("unexpected result %v, %v", v, err)
	}
	if _, err := req(context.Background(), []any{1}); err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Fatalf("expected decode error, got %v", err)
	}

	var got string
	note := Notification(decode, func(ctx context.Context, s string) error {
		got = s
		return nil
	})
	if err := note(context.Background(), []any{"hello"}); err != nil || got != "hello" {
		t.Fatalf("unexpected notification result %q, %v", got, err)
	}
}
