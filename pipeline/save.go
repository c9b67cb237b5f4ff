package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petal-labs/depot/archive"
	"github.com/petal-labs/depot/core"
)

// SaveTask packs a directory into an archive on the compression pool. Worker
// failures reach the error policy as they happen.
type SaveTask struct {
	BaseTask

	src string
	dst string

	header *archive.Header
}

func newSaveTask(h *Handle, src, dst string) *SaveTask {
	return &SaveTask{
		BaseTask: newBaseTask(h, core.StageSave),
		src:      src,
		dst:      dst,
	}
}

func (t *SaveTask) restart() Task {
	return newSaveTask(t.handle, t.src, t.dst)
}

// Header returns the header of the written archive once the task succeeded.
func (t *SaveTask) Header() *archive.Header { return t.header }

func (t *SaveTask) Run(ctx context.Context) error {
	h := t.handle
	info, err := h.items.Get(ctx, h.itemID)
	if err != nil {
		return err
	}
	src := t.src
	if src == "" {
		src = info.InstallDir
	}
	if src == "" {
		return core.NewError(core.ErrInvalid, "item %s has nothing to save", h.itemID)
	}
	if err := os.MkdirAll(filepath.Dir(t.dst), 0o755); err != nil {
		return fmt.Errorf("pipeline: create archive directory: %w", err)
	}

	reported := t.reportCount()

	hdr, err := archive.Save(ctx, archive.SaveConfig{
		Source:      src,
		FS:          h.sourceFS(src),
		Destination: t.dst,
		Workers:     h.workers,
		Level:       h.level,
		Branch:      info.Branch.ID,
		Build:       info.Branch.Build,
		Progress:    &t.Progress,
		Errors:      &t.Errors,
		RunID:       h.RunID(),
		ItemID:      h.itemID,
		Stage:       t.stage,
		Emit:        h.emitFn,
		Logger:      h.logger,
	})
	if err != nil {
		switch {
		case t.IsStopped(), t.isInError():
			h.CompleteStage(true)
			return nil
		case t.reportCount() != reported:
			// A worker error already went through the error policy.
			return handledError{err: err}
		}
		return err
	}

	t.header = hdr
	path := t.dst
	t.Complete.Publish(ctx, &path)
	h.CompleteStage(true)
	return nil
}
