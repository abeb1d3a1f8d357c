// Package nvimapi wraps the Neovim API calls the bridge depends on.
package nvimapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beeender/ComradeNeovim/internal/wire"
	"github.com/neovim/go-client/nvim"
)

// BufferID is the remote buffer handle.
type BufferID = nvim.Buffer

// DefaultAttachTimeout bounds the wait for nvim_buf_attach and
// nvim_buf_detach replies.
const DefaultAttachTimeout = 100 * time.Millisecond

// Caller issues one request and waits for its response.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
}

// API is the typed façade over a Caller.
type API struct {
	c             Caller
	attachTimeout time.Duration
}

// Option configures an API.
type Option func(*API)

// WithAttachTimeout sets how long attach and detach wait for a reply before
// assuming success.
func WithAttachTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.attachTimeout = d
		}
	}
}

func New(c Caller, opts ...Option) *API {
	a := &API{c: c, attachTimeout: DefaultAttachTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// APIInfo is the result of nvim_get_api_info.
type APIInfo struct {
	ChannelID int64
	Metadata  map[string]any
}

// Version reads the version block of the API metadata.
func (i APIInfo) Version() (nvim.ClientVersion, int, bool) {
	v, ok := i.Metadata["version"].(map[string]any)
	if !ok {
		return nvim.ClientVersion{}, 0, false
	}
	major, _ := wire.Int(v["major"])
	minor, _ := wire.Int(v["minor"])
	patch, _ := wire.Int(v["patch"])
	level, _ := wire.Int(v["api_level"])
	return nvim.ClientVersion{Major: int(major), Minor: int(minor), Patch: int(patch)}, int(level), true
}

func (a *API) APIInfo(ctx context.Context) (APIInfo, error) {
	res, err := a.c.Call(ctx, MethodGetAPIInfo)
	if err != nil {
		return APIInfo{}, err
	}
	items, ok := res.([]any)
	if !ok || len(items) != 2 {
		return APIInfo{}, unexpected(MethodGetAPIInfo, res)
	}
	channel, ok := wire.Int(items[0])
	if !ok {
		return APIInfo{}, unexpected(MethodGetAPIInfo, res)
	}
	meta, _ := items[1].(map[string]any)
	return APIInfo{ChannelID: channel, Metadata: meta}, nil
}

// SetClientInfo identifies this process as a remote client.
func (a *API) SetClientInfo(ctx context.Context, name string, version nvim.ClientVersion, attributes map[string]any) error {
	if attributes == nil {
		attributes = map[string]any{}
	}
	_, err := a.c.Call(ctx, MethodSetClientInfo, name, versionMap(version), "remote", map[string]any{}, attributes)
	return err
}

func versionMap(v nvim.ClientVersion) map[string]any {
	m := map[string]any{
		"major": v.Major,
		"minor": v.Minor,
		"patch": v.Patch,
	}
	if v.Prerelease != "" {
		m["prerelease"] = v.Prerelease
	}
	if v.Commit != "" {
		m["commit"] = v.Commit
	}
	return m
}

func (a *API) CallFunction(ctx context.Context, name string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	return a.c.Call(ctx, MethodCallFunction, name, args)
}

func (a *API) Command(ctx context.Context, cmd string) error {
	_, err := a.c.Call(ctx, MethodCommand, cmd)
	return err
}

func (a *API) SetVar(ctx context.Context, name string, value any) error {
	_, err := a.c.Call(ctx, MethodSetVar, name, value)
	return err
}

func (a *API) CurrentBuffer(ctx context.Context) (BufferID, error) {
	res, err := a.c.Call(ctx, MethodGetCurrentBuf)
	if err != nil {
		return 0, err
	}
	id, ok := ParseBufferID(res)
	if !ok {
		return 0, unexpected(MethodGetCurrentBuf, res)
	}
	return id, nil
}

// AttachBuffer subscribes to change events of id. Some Neovim builds never
// answer this call, so a reply timeout counts as success.
func (a *API) AttachBuffer(ctx context.Context, id BufferID, sendBuffer bool) error {
	return a.callWithQuirk(ctx, MethodBufAttach, id, sendBuffer, map[string]any{})
}

// DetachBuffer ends the subscription. Same timeout rule as AttachBuffer.
func (a *API) DetachBuffer(ctx context.Context, id BufferID) error {
	return a.callWithQuirk(ctx, MethodBufDetach, id)
}

func (a *API) callWithQuirk(ctx context.Context, method string, args ...any) error {
	callCtx, cancel := context.WithTimeout(ctx, a.attachTimeout)
	defer cancel()

	res, err := a.c.Call(callCtx, method, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil
		}
		return err
	}
	if ok, isBool := res.(bool); isBool && !ok {
		return fmt.Errorf("nvimapi: %s refused buffer %v", method, args[0])
	}
	return nil
}

func (a *API) BufferName(ctx context.Context, id BufferID) (string, error) {
	res, err := a.c.Call(ctx, MethodBufGetName, id)
	if err != nil {
		return "", err
	}
	name, ok := wire.String(res)
	if !ok {
		return "", unexpected(MethodBufGetName, res)
	}
	return name, nil
}

func (a *API) BufferLines(ctx context.Context, id BufferID, start, end int, strict bool) ([]string, error) {
	res, err := a.c.Call(ctx, MethodBufGetLines, id, start, end, strict)
	if err != nil {
		return nil, err
	}
	lines, ok := wire.Strings(res)
	if !ok {
		return nil, unexpected(MethodBufGetLines, res)
	}
	return lines, nil
}

func (a *API) SetBufferLines(ctx context.Context, id BufferID, start, end int, strict bool, lines []string) error {
	_, err := a.c.Call(ctx, MethodBufSetLines, id, start, end, strict, lines)
	return err
}

func (a *API) BufferLineCount(ctx context.Context, id BufferID) (int, error) {
	res, err := a.c.Call(ctx, MethodBufLineCount, id)
	if err != nil {
		return 0, err
	}
	n, ok := wire.Int(res)
	if !ok {
		return 0, unexpected(MethodBufLineCount, res)
	}
	return int(n), nil
}

func (a *API) BufferChangedtick(ctx context.Context, id BufferID) (int64, error) {
	res, err := a.c.Call(ctx, MethodBufGetChangedtick, id)
	if err != nil {
		return 0, err
	}
	n, ok := wire.Int(res)
	if !ok {
		return 0, unexpected(MethodBufGetChangedtick, res)
	}
	return n, nil
}

// ParseBufferID accepts the extension encoded handle as well as a plain
// integer, which is what vimscript sends in comrade_* notifications.
func ParseBufferID(v any) (BufferID, bool) {
	if b, ok := v.(nvim.Buffer); ok {
		return b, true
	}
	n, ok := wire.Int(v)
	if !ok {
		return 0, false
	}
	return BufferID(n), true
}

func unexpected(method string, v any) error {
	return fmt.Errorf("nvimapi: unexpected %s result %T", method, v)
}
