package pipeline

import (
	"context"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/tool"
)

// ToolDownloadTask waits for a tool transaction started by a DownloadTask,
// then routes the item to its install stage.
type ToolDownloadTask struct {
	BaseTask

	ttid   tool.TransactionID
	path   string
	branch core.Branch
	build  core.Build
}

func newToolDownloadTask(h *Handle, ttid tool.TransactionID, path string, branch core.Branch, build core.Build) *ToolDownloadTask {
	return &ToolDownloadTask{
		BaseTask: newBaseTask(h, core.StageToolDownload),
		ttid:     ttid,
		path:     path,
		branch:   branch,
		build:    build,
	}
}

// restart downloads again: the archive is already present, so the new
// download only issues a fresh tool transaction.
func (t *ToolDownloadTask) restart() Task {
	return newDownloadTask(t.handle, t.path, t.branch, t.build)
}

// Transaction returns the transaction the task waits on.
func (t *ToolDownloadTask) Transaction() tool.TransactionID { return t.ttid }

func (t *ToolDownloadTask) Run(ctx context.Context) error {
	h := t.handle
	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		h.tools.RemoveTransaction(t.ttid, true)
		return err
	}

	done := make(chan error, 1)
	tx := tool.NewTransaction(info.Branch.Tools...)
	tx.Complete.Subscribe(bus.Func(func(context.Context, *struct{}) { notify(done, nil) }))
	tx.Error.Subscribe(bus.Func(func(_ context.Context, err *error) { notify(done, *err) }))
	tx.Progress.Subscribe(bus.Method(&t.BaseTask, (*BaseTask).forwardToolProgress))

	if !h.tools.UpdateTransaction(t.ttid, tx) {
		if !h.tools.AreAllToolsDownloaded(info.Branch.Tools) {
			return core.WrapError(core.ErrToolUnresolved, tool.ErrTransactionNotFound,
				"item %s: tool transaction %d", h.itemID, t.ttid)
		}
		notify(done, nil)
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		h.tools.RemoveTransaction(t.ttid, true)
		if t.IsStopped() {
			h.CompleteStage(true)
			return nil
		}
		return ctx.Err()
	}
	if err != nil {
		h.tools.RemoveTransaction(t.ttid, true)
		return err
	}
	h.tools.RemoveTransaction(t.ttid, false)

	h.routeInstall(info, t.path, t.branch, t.build)
	return nil
}

// forwardToolProgress republishes tool progress as item progress.
func (t *BaseTask) forwardToolProgress(ctx context.Context, p *tool.Progress) {
	t.Progress.Publish(ctx, &core.Progress{Done: p.Done, Total: p.Total, Percent: p.Percent})
}

func notify(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
