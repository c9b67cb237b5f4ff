package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/petal-labs/depot/archive"
	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

// InstallTask installs the tools an item needs and extracts its archive into
// the install directory. The complex variant extracts into a staging
// directory and swaps it in once every member verified.
type InstallTask struct {
	BaseTask

	path    string
	branch  core.Branch
	build   core.Build
	complex bool

	amu      sync.Mutex
	arch     archive.Archive
	updating bool
}

func newInstallTask(h *Handle, path string, branch core.Branch, build core.Build, complex bool) *InstallTask {
	stage := core.StageInstall
	if complex {
		stage = core.StageInstallComplex
	}
	return &InstallTask{
		BaseTask: newBaseTask(h, stage),
		path:     path,
		branch:   branch,
		build:    build,
		complex:  complex,
	}
}

func (t *InstallTask) restart() Task {
	return newInstallTask(t.handle, t.path, t.branch, t.build, t.complex)
}

// Pause suspends extraction at the next chunk boundary.
func (t *InstallTask) Pause() {
	t.amu.Lock()
	a := t.arch
	t.amu.Unlock()
	if a != nil {
		a.Pause()
	}
}

// Unpause resumes extraction.
func (t *InstallTask) Unpause() {
	t.amu.Lock()
	a := t.arch
	t.amu.Unlock()
	if a != nil {
		a.Unpause()
	}
}

func (t *InstallTask) Run(ctx context.Context) error {
	h := t.handle
	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		return err
	}
	if info.InstallDir == "" {
		return core.NewError(core.ErrInvalid, "item %s has no install directory", h.itemID)
	}

	if err := t.installTools(ctx, info.Branch.Tools); err != nil {
		if t.IsStopped() {
			h.CompleteStage(true)
			return nil
		}
		return err
	}

	arch := h.newArchive(info)
	t.amu.Lock()
	t.arch = arch
	t.updating = info.Flags.Has(item.FlagUpdating)
	t.amu.Unlock()
	arch.Progress().Subscribe(bus.Method(t, (*InstallTask).onProgress))

	arch.SetFile(t.path)
	if err := arch.ParseHeader(ctx); err != nil {
		return err
	}

	dest := filepath.Clean(info.InstallDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("pipeline: create install parent: %w", err)
	}
	lock := flock.New(dest + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("pipeline: lock %s: %w", dest, err)
	}
	if !locked {
		return core.WrapError(core.ErrInvalid, archive.ErrLocked, "install directory %s", dest)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	if t.complex {
		err = t.installStaged(ctx, arch, dest)
	} else {
		err = extractAndVerify(ctx, arch, dest)
	}
	if err != nil {
		if t.IsStopped() {
			h.CompleteStage(true)
			return nil
		}
		return err
	}

	h.addFlags(ctx, item.FlagInstalled)
	h.delFlags(ctx, item.FlagDownloading|item.FlagInstalling|item.FlagUpdating)
	h.setPercent(ctx, 100)
	h.CompleteStage(false)
	return nil
}

func (t *InstallTask) installTools(ctx context.Context, tools []core.ToolID) error {
	h := t.handle
	if len(tools) == 0 || h.tools.AreAllToolsInstalled(tools) {
		return nil
	}

	done := make(chan error, 1)
	tx := tool.NewTransaction(tools...)
	tx.Complete.Subscribe(bus.Func(func(context.Context, *struct{}) { notify(done, nil) }))
	tx.Error.Subscribe(bus.Func(func(_ context.Context, err *error) { notify(done, *err) }))
	tx.Progress.Subscribe(bus.Method(&t.BaseTask, (*BaseTask).forwardToolProgress))
	tx.StartInstall.Subscribe(bus.Func(func(context.Context, *struct{}) {
		h.emitEvent(h.event(runtime.EventToolTransaction, t.stage).WithPayload("status", "installing"))
	}))

	id := h.tools.InstallTools(tx)
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		h.tools.RemoveTransaction(id, true)
		return ctx.Err()
	}
	h.tools.RemoveTransaction(id, err != nil)
	return err
}

// installStaged extracts into a sibling staging directory and swaps it with
// dest. The previous install is kept until the swap succeeded.
func (t *InstallTask) installStaged(ctx context.Context, arch archive.Archive, dest string) error {
	staging := dest + ".staging"
	previous := dest + ".previous"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("pipeline: clear staging: %w", err)
	}
	if err := extractAndVerify(ctx, arch, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(previous); err != nil {
		return fmt.Errorf("pipeline: clear previous install: %w", err)
	}
	hadPrevious := true
	if err := os.Rename(dest, previous); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("pipeline: move previous install: %w", err)
		}
		hadPrevious = false
	}
	if err := os.Rename(staging, dest); err != nil {
		if hadPrevious {
			_ = os.Rename(previous, dest)
		}
		return fmt.Errorf("pipeline: swap install: %w", err)
	}
	if hadPrevious {
		_ = os.RemoveAll(previous)
	}
	return nil
}

func extractAndVerify(ctx context.Context, arch archive.Archive, dir string) error {
	if err := arch.Extract(ctx, dir); err != nil {
		return err
	}
	return arch.VerifyInstall(ctx, dir)
}

func (t *InstallTask) onProgress(ctx context.Context, p *core.Progress) {
	t.Progress.Publish(ctx, p)

	t.amu.Lock()
	updating := t.updating
	t.amu.Unlock()
	percent := p.Percent
	if updating {
		percent = 50 + percent/2
	}
	t.handle.setPercent(ctx, percent)
}
