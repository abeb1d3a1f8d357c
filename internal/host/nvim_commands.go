package host

import (
	"context"
	"errors"

	"github.com/beeender/ComradeNeovim/internal/nvimapi"
	"github.com/beeender/ComradeNeovim/internal/rpc"
)

// MethodBuffers is the inbound request listing synced buffers.
const MethodBuffers = "comrade_buffers"

// Register registers the comrade_* notification and request handlers.
func (w *Workspace) Register() {
	w.client.HandleNotification(nvimapi.EventBufEnter, rpc.Notification(nvimapi.ParseBufEnter, w.enter))
	w.client.HandleNotification(nvimapi.EventBufWrite, rpc.Notification(nvimapi.ParseBufWrite, w.write))
	w.client.HandleRequest(MethodBuffers, rpc.Request(noArgs, w.buffers))
}

func noArgs(args []any) (struct{}, error) {
	return struct{}{}, nil
}

func (w *Workspace) enter(ctx context.Context, ev nvimapi.BufEnter) error {
	if ev.Path == "" {
		return nil
	}
	doc, err := w.Open(ev.Path)
	if errors.Is(err, ErrNotInRoots) {
		w.logf("[comrade] host: '%s' is not a part of any root", ev.Path)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = w.reg.Bind(ctx, ev.ID, doc.Path(), doc)
	return err
}

func (w *Workspace) write(ctx context.Context, ev nvimapi.BufWrite) error {
	b := w.reg.Lookup(ev.ID)
	if b == nil {
		return nil
	}
	saver, ok := b.Buffer.(interface{ Save() error })
	if !ok {
		return nil
	}
	if err := saver.Save(); err != nil {
		return err
	}
	w.logf("[comrade] host: saved '%s'", b.Path)
	return nil
}

func (w *Workspace) buffers(ctx context.Context, _ struct{}) ([]map[string]any, error) {
	list := w.Buffers()
	out := make([]map[string]any, 0, len(list))
	for _, b := range list {
		out = append(out, map[string]any{
			"id":          int64(b.ID),
			"path":        b.Path,
			"changedtick": b.Changedtick,
			"state":       b.State,
		})
	}
	return out, nil
}
