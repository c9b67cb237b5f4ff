package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/depot/archive"
	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/tool"
)

// DownloadTask fetches an item's archive from its providers and starts the
// download of the tools the item needs alongside it.
type DownloadTask struct {
	BaseTask

	path   string
	branch core.Branch
	build  core.Build

	amu  sync.Mutex
	arch archive.Archive
	info item.Info
	ttid tool.TransactionID

	initFinished atomic.Bool
	toolsDone    atomic.Bool
}

func newDownloadTask(h *Handle, path string, branch core.Branch, build core.Build) *DownloadTask {
	return &DownloadTask{
		BaseTask: newBaseTask(h, core.StageDownload),
		path:     path,
		branch:   branch,
		build:    build,
	}
}

func (t *DownloadTask) restart() Task {
	return newDownloadTask(t.handle, t.path, t.branch, t.build)
}

// Path returns the local archive path.
func (t *DownloadTask) Path() string { return t.path }

// ToolTransaction returns the tool transaction started by the task, or zero.
func (t *DownloadTask) ToolTransaction() tool.TransactionID {
	t.amu.Lock()
	defer t.amu.Unlock()
	return t.ttid
}

func (t *DownloadTask) currentArchive() archive.Archive {
	t.amu.Lock()
	defer t.amu.Unlock()
	return t.arch
}

func (t *DownloadTask) itemInfo() item.Info {
	t.amu.Lock()
	defer t.amu.Unlock()
	return t.info
}

func (t *DownloadTask) setInfo(info item.Info) {
	t.amu.Lock()
	t.info = info
	t.amu.Unlock()
}

// Pause suspends the transfer at its next chunk boundary.
func (t *DownloadTask) Pause() {
	if a := t.currentArchive(); a != nil {
		a.Pause()
	}
}

// Unpause resumes a suspended transfer.
func (t *DownloadTask) Unpause() {
	if a := t.currentArchive(); a != nil {
		a.Unpause()
	}
}

// Run downloads the archive. Transfer errors reach the error policy through
// the archive's error bus; errors before the transfer starts are returned.
func (t *DownloadTask) Run(ctx context.Context) error {
	h := t.handle
	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		return err
	}
	t.setInfo(info)

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("pipeline: create archive directory: %w", err)
	}

	arch := h.newArchive(info)
	t.amu.Lock()
	t.arch = arch
	t.amu.Unlock()

	arch.Errors().Subscribe(bus.Proxy(&t.Errors))
	arch.Progress().Subscribe(bus.Method(t, (*DownloadTask).onProgress))
	arch.Providers().Subscribe(bus.Method(t, (*DownloadTask).onProvider))

	arch.SetFile(t.path)
	if err := arch.ParseHeader(ctx); err != nil {
		return err
	}

	if err := arch.ForceProviders(ctx); err != nil {
		return err
	}
	if t.IsStopped() {
		return nil
	}

	if err := t.startToolDownload(ctx, info); err != nil {
		return err
	}

	if err := arch.DownloadFiles(ctx); err != nil && !t.IsStopped() && !t.isInError() {
		t.dropTools(true)
		return err
	}
	t.onComplete(ctx)
	return nil
}

func (t *DownloadTask) startToolDownload(ctx context.Context, info item.Info) error {
	if info.Branch.Preorder {
		return nil
	}
	tools := info.Branch.Tools
	if len(tools) == 0 {
		return nil
	}

	h := t.handle
	if !h.tools.AreAllToolsValid(tools) {
		if err := h.tools.ReloadTools(ctx, h.itemID); err != nil {
			h.logger.Warn("tool reload failed", "error", err)
		}
		fresh, err := h.items.Get(ctx, h.itemID)
		if err != nil {
			return err
		}
		t.setInfo(fresh)
		tools = fresh.Branch.Tools
		if len(tools) == 0 {
			return nil
		}
		if !h.tools.AreAllToolsValid(tools) {
			return core.NewError(core.ErrToolUnresolved, "item %s: tools %v cannot be resolved", h.itemID, tools)
		}
	}

	tx := tool.NewTransaction(tools...)
	tx.Complete.Subscribe(bus.Method(t, (*DownloadTask).onToolsComplete))
	id := h.tools.DownloadTools(tx)

	t.amu.Lock()
	t.ttid = id
	t.amu.Unlock()
	return nil
}

// dropTools removes the outstanding tool transaction.
func (t *DownloadTask) dropTools(forced bool) tool.TransactionID {
	t.amu.Lock()
	id := t.ttid
	t.ttid = 0
	t.amu.Unlock()
	if id != 0 {
		t.handle.tools.RemoveTransaction(id, forced)
	}
	return id
}

func (t *DownloadTask) onComplete(ctx context.Context) {
	h := t.handle
	failed := t.isInError() || t.IsStopped()
	if failed || t.toolsDone.Load() {
		t.dropTools(failed)
	}
	if failed {
		h.CompleteStage(true)
		return
	}

	path := t.path
	t.Complete.Publish(ctx, &path)

	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		info = t.itemInfo()
	}
	ttid := t.ToolTransaction()

	switch {
	case info.Branch.Preorder:
		h.addFlags(ctx, item.FlagPreloaded)
		h.delFlags(ctx, item.FlagDownloading)
		h.CompleteStage(true)
	case ttid != 0:
		// Detach this task from the transaction; the next stage rebinds it.
		h.tools.UpdateTransaction(ttid, tool.NewTransaction())
		h.GoToStageDownloadTools(ttid, t.path, t.branch, t.build)
	default:
		h.routeInstall(info, t.path, t.branch, t.build)
	}
}

func (t *DownloadTask) onProgress(ctx context.Context, p *core.Progress) {
	h := t.handle
	switch {
	case p.Has(core.ProgressInitFinished):
		t.initFinished.Store(true)
		h.SetPausable(true)
	case p.Has(core.ProgressFinalizing):
		h.SetPausable(false)
	}

	t.Progress.Publish(ctx, p)

	if t.initFinished.Load() {
		percent := p.Percent
		if t.itemInfo().Flags.Has(item.FlagUpdating) {
			percent /= 2
		}
		h.setPercent(ctx, percent)
	}
}

func (t *DownloadTask) onProvider(ctx context.Context, e *core.ProviderEvent) {
	if t.IsStopped() {
		return
	}
	t.Providers.Publish(ctx, e)
}

func (t *DownloadTask) onToolsComplete(context.Context, *struct{}) {
	t.toolsDone.Store(true)
}
