package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

func TestHandle_DownloadThenInstall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.handle()

	var completed []string
	h.Complete.Subscribe(bus.Func(func(_ context.Context, path *string) {
		completed = append(completed, *path)
	}))
	var providers []core.ProviderEvent
	h.Providers.Subscribe(bus.Func(func(_ context.Context, e *core.ProviderEvent) {
		providers = append(providers, *e)
	}))

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info := f.info()
	f.assertInstalled(info.InstallDir)
	f.checkFlags(item.FlagInstalled, item.FlagDownloading|item.FlagInstalling)
	if info.Percent != 100 {
		t.Errorf("percent = %d, want 100", info.Percent)
	}

	if got := h.Stage(); got != core.StageComplete {
		t.Errorf("stage = %s, want %s", got, core.StageComplete)
	}
	if got := h.Last().base().Result(); got != ResultSuccess {
		t.Errorf("result = %v, want %v", got, ResultSuccess)
	}
	checkStages(t, f.events.started(), core.StageDownload, core.StageInstall)
	if !f.events.has(runtime.EventItemCompleted) {
		t.Error("expected an item.completed event")
	}

	archivePath := h.ArchivePath(3, 120)
	if !slices.Equal(completed, []string{archivePath}) {
		t.Errorf("completed = %v, want [%s]", completed, archivePath)
	}
	if _, err := os.Stat(archivePath); err != nil {
		t.Errorf("downloaded archive: %v", err)
	}

	if len(providers) == 0 {
		t.Fatal("expected provider events")
	}
	if providers[0].Action != core.ProviderAdd || providers[0].Name != "mirror-1" {
		t.Errorf("first provider event = %+v, want mirror-1 added", providers[0])
	}
}

func TestHandle_InstallComplexSwapsDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.updateItem(func(i *item.Info) { i.Flags |= item.FlagInstallComplex })

	dest := f.info().InstallDir
	writeFile(t, filepath.Join(dest, "stale.txt"), "old")

	h := f.handle()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.assertInstalled(dest)
	for _, gone := range []string{filepath.Join(dest, "stale.txt"), dest + ".staging", dest + ".previous"} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s should not exist: %v", gone, err)
		}
	}
	checkStages(t, f.events.started(), core.StageDownload, core.StageInstallComplex)
}

func TestHandle_WaitsForToolTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerTool("vcredist")
	f.updateItem(func(i *item.Info) { i.Branch.Tools = []core.ToolID{"vcredist"} })

	release := make(chan struct{})
	f.tools = f.newManager(tool.FetcherFunc(func(ctx context.Context, tl tool.Tool, report func(done, total uint64)) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		report(1, 1)
		return "/cache/" + string(tl.ID), nil
	}), nil)

	h := f.handle()
	var once sync.Once
	h.Complete.Subscribe(bus.Func(func(context.Context, *string) {
		once.Do(func() { close(release) })
	}))

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	checkStages(t, f.events.started(), core.StageDownload, core.StageToolDownload, core.StageInstall)
	if got := f.installedTools(); !slices.Equal(got, []core.ToolID{"vcredist"}) {
		t.Errorf("installed tools = %v, want [vcredist]", got)
	}
	if !f.tools.AreAllToolsInstalled([]core.ToolID{"vcredist"}) {
		t.Error("vcredist should be installed")
	}
	if !f.events.has(runtime.EventToolTransaction) {
		t.Error("expected a tool.transaction event")
	}
	f.checkFlags(item.FlagInstalled, 0)
}

func TestToolDownloadTask_MissingTransaction(t *testing.T) {
	t.Run("tools already downloaded", func(t *testing.T) {
		f := newFixture(t)
		if err := f.registry.Upsert(context.Background(), tool.Record{
			Tool:       tool.Tool{ID: "dx", Source: "/mirror/dx"},
			Downloaded: true,
			Path:       "/cache/dx",
		}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		f.updateItem(func(i *item.Info) { i.Branch.Tools = []core.ToolID{"dx"} })

		h := f.handle()
		h.GoToStageDownloadTools(99, f.archive, 3, 120)
		if err := h.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		checkStages(t, f.events.started(), core.StageToolDownload, core.StageInstall)
		f.assertInstalled(f.info().InstallDir)
	})

	t.Run("tools missing", func(t *testing.T) {
		f := newFixture(t)
		f.registerTool("dx")
		f.updateItem(func(i *item.Info) { i.Branch.Tools = []core.ToolID{"dx"} })

		h := f.handle()
		h.GoToStageDownloadTools(99, f.archive, 3, 120)
		checkCode(t, h.Run(context.Background()), core.ErrToolUnresolved)
		if got := h.Last().base().Result(); got != ResultError {
			t.Errorf("result = %v, want %v", got, ResultError)
		}
	})
}

func TestHandle_ReloadsUnknownToolsOnce(t *testing.T) {
	f := newFixture(t)
	f.updateItem(func(i *item.Info) { i.Branch.Tools = []core.ToolID{"dx"} })

	var calls atomic.Int32
	f.tools = f.newManager(f.fetcher, tool.CatalogFunc(func(context.Context, core.ItemID) ([]tool.Tool, error) {
		calls.Add(1)
		return []tool.Tool{{ID: "dx", Source: "/mirror/dx", Items: []core.ItemID{"game"}}}, nil
	}))

	h := f.handle()
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("catalog calls = %d, want 1", got)
	}
	if got := f.installedTools(); !slices.Equal(got, []core.ToolID{"dx"}) {
		t.Errorf("installed tools = %v, want [dx]", got)
	}
	f.checkFlags(item.FlagInstalled, 0)
}

func TestHandle_UnresolvedToolsFail(t *testing.T) {
	f := newFixture(t)
	f.updateItem(func(i *item.Info) { i.Branch.Tools = []core.ToolID{"ghost-tool"} })

	var calls atomic.Int32
	f.tools = f.newManager(f.fetcher, tool.CatalogFunc(func(context.Context, core.ItemID) ([]tool.Tool, error) {
		calls.Add(1)
		return nil, nil
	}))

	h := f.handle()
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCode(t, h.Run(context.Background()), core.ErrToolUnresolved)
	if got := calls.Load(); got != 1 {
		t.Errorf("catalog calls = %d, want 1", got)
	}

	if got := h.Stage(); got != core.StageNone {
		t.Errorf("stage = %s, want %s", got, core.StageNone)
	}
	if got := h.Last().base().Result(); got != ResultError {
		t.Errorf("result = %v, want %v", got, ResultError)
	}
	if !f.events.has(runtime.EventStageReset) || !f.events.has(runtime.EventStageFailed) {
		t.Errorf("events = %v, want stage.reset and stage.failed", f.events.kinds())
	}
	f.checkFlags(0, item.FlagDownloading|item.FlagInstalled)
}

func TestHandle_PreorderStopsAfterDownload(t *testing.T) {
	f := newFixture(t)
	f.updateItem(func(i *item.Info) {
		i.Branch.Preorder = true
		i.Branch.Tools = []core.ToolID{"never-resolved"}
	})

	h := f.handle()
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.checkFlags(item.FlagPreloaded, item.FlagDownloading|item.FlagInstalled)
	if got := h.Stage(); got != core.StageNone {
		t.Errorf("stage = %s, want %s", got, core.StageNone)
	}
	checkStages(t, f.events.started(), core.StageDownload)

	if _, err := os.Stat(f.info().InstallDir); !os.IsNotExist(err) {
		t.Errorf("install dir should not exist: %v", err)
	}
}

func TestHandle_TransferErrorWithoutPauseResets(t *testing.T) {
	f := newFixture(t)
	f.provider.broken.Store(true)
	h := f.handle()
	errs := errorsOf(&h.Errors)

	var providers []core.ProviderEvent
	h.Providers.Subscribe(bus.Func(func(_ context.Context, e *core.ProviderEvent) {
		providers = append(providers, *e)
	}))

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCode(t, h.Run(context.Background()), core.ErrTransport)

	if got := h.Stage(); got != core.StageNone {
		t.Errorf("stage = %s, want %s", got, core.StageNone)
	}
	if h.Paused() {
		t.Error("handle should not be paused")
	}
	if got := h.Last().base().Result(); got != ResultError {
		t.Errorf("result = %v, want %v", got, ResultError)
	}
	if got := errs(); len(got) != 1 {
		t.Errorf("errors = %v, want one", got)
	}

	kinds := f.events.kinds()
	if !slices.Contains(kinds, runtime.EventStageReset) || !slices.Contains(kinds, runtime.EventStageFailed) {
		t.Errorf("events = %v, want stage.reset and stage.failed", kinds)
	}
	if slices.Contains(kinds, runtime.EventItemPaused) {
		t.Errorf("events = %v, item must not pause", kinds)
	}
	f.checkFlags(0, item.FlagDownloading|item.FlagPaused)

	if len(providers) != 2 {
		t.Fatalf("provider events = %v, want add then remove", providers)
	}
	if providers[0].Action != core.ProviderAdd || providers[1].Action != core.ProviderRemove {
		t.Errorf("provider events = %v, want add then remove", providers)
	}
}

// pauseOnBrokenProvider starts a download against a failing provider with
// pause-on-error enabled and waits until the handle paused.
func pauseOnBrokenProvider(t *testing.T, f *fixture) (*Handle, <-chan error) {
	t.Helper()
	f.provider.broken.Store(true)
	h := f.handle()
	// Enabled after construction: the policy is read when the error arrives.
	h.SetPauseOnError(true)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := runAsync(h)
	waitUntil(t, func() bool { return f.events.has(runtime.EventItemPaused) })
	return h, done
}

func TestHandle_PauseOnErrorResumes(t *testing.T) {
	f := newFixture(t)
	h, done := pauseOnBrokenProvider(t, f)

	if !h.Paused() {
		t.Error("handle should be paused")
	}
	if got := h.Stage(); got != core.StageDownload {
		t.Errorf("stage = %s, want %s", got, core.StageDownload)
	}
	f.checkFlags(item.FlagPaused, 0)
	if h.Current() == nil {
		t.Error("paused download should still be the current task")
	}

	f.provider.broken.Store(false)
	if !h.SetPaused(false, false) {
		t.Fatal("resume refused")
	}
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.assertInstalled(f.info().InstallDir)
	kinds := f.events.kinds()
	if !slices.Contains(kinds, runtime.EventItemResumed) {
		t.Errorf("events = %v, want item.resumed", kinds)
	}
	if slices.Contains(kinds, runtime.EventStageReset) {
		t.Errorf("events = %v, a resumed stage must not reset", kinds)
	}
	f.checkFlags(0, item.FlagPaused)
}

func TestHandle_CancelWhilePaused(t *testing.T) {
	f := newFixture(t)
	h, done := pauseOnBrokenProvider(t, f)

	h.Cancel()
	checkCode(t, awaitRun(t, done), core.ErrStopped)

	if got := h.Last().base().Result(); got != ResultStopped {
		t.Errorf("result = %v, want %v", got, ResultStopped)
	}
	if got := h.Stage(); got != core.StageNone {
		t.Errorf("stage = %s, want %s", got, core.StageNone)
	}
	if h.Paused() {
		t.Error("cancelled handle should not stay paused")
	}
	if !f.events.has(runtime.EventItemStopped) || !f.events.has(runtime.EventStageReset) {
		t.Errorf("events = %v, want item.stopped and stage.reset", f.events.kinds())
	}

	f.checkFlags(0, item.FlagPaused|item.FlagDownloading)
	if _, err := os.Stat(f.info().InstallDir); !os.IsNotExist(err) {
		t.Errorf("install dir should not exist: %v", err)
	}
}

func TestHandle_UserPause(t *testing.T) {
	f := newFixture(t)
	f.provider.gate = make(chan struct{})
	h := f.handle()
	if h.SetPaused(true, false) {
		t.Error("pause accepted before the transfer started")
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := runAsync(h)

	waitUntil(t, h.Pausable)
	if !h.SetPaused(true, false) {
		t.Fatal("pause refused while pausable")
	}
	close(f.provider.gate)

	select {
	case err := <-done:
		t.Fatalf("run finished while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if got := f.info().Percent; got >= 100 {
		t.Errorf("percent = %d while paused", got)
	}
	f.checkFlags(item.FlagPaused, 0)

	if !h.SetPaused(false, false) {
		t.Fatal("resume refused")
	}
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.checkFlags(item.FlagInstalled, 0)
}

func TestHandle_UpdatingSplitsPercent(t *testing.T) {
	f := newFixture(t)
	f.updateItem(func(i *item.Info) { i.Flags |= item.FlagUpdating })
	store := &percentStore{MemoryStore: f.items}
	h := f.handle(func(cfg *HandleConfig) { cfg.Items = store })

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	values := store.recorded()
	if len(values) == 0 {
		t.Fatal("no percentages recorded")
	}
	if !slices.IsSorted(values) {
		t.Errorf("percent went backwards: %v", values)
	}
	if values[0] > 50 || !slices.Contains(values, 50) || values[len(values)-1] != 100 {
		t.Errorf("percent = %v, want the download below 50 and the install up to 100", values)
	}
	f.checkFlags(0, item.FlagUpdating)
}

func TestHandle_UnknownItem(t *testing.T) {
	f := newFixture(t)
	h := f.handle(func(cfg *HandleConfig) { cfg.ItemID = "ghost" })

	checkCode(t, h.Start(context.Background()), core.ErrBadID)

	h.GoToStageDownload(filepath.Join(t.TempDir(), "ghost.dpot"), 1, 1)
	checkCode(t, h.Run(context.Background()), core.ErrBadID)
	if got := h.Last().base().Result(); got != ResultError {
		t.Errorf("result = %v, want %v", got, ResultError)
	}
}

func TestNewHandle_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := NewHandle(HandleConfig{Items: f.items, Tools: f.tools})
	checkCode(t, err, core.ErrBadID)

	_, err = NewHandle(HandleConfig{ItemID: "game", Tools: f.tools})
	checkCode(t, err, core.ErrInvalid)
}

func TestHandle_RunTwice(t *testing.T) {
	f := newFixture(t)
	f.provider.gate = make(chan struct{})
	h := f.handle()
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := runAsync(h)

	waitUntil(t, h.Pausable)
	if err := h.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}

	close(f.provider.gate)
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBaseTask_StoppedIsSticky(t *testing.T) {
	f := newFixture(t)
	h := f.handle()

	task := newDownloadTask(h, "x.dpot", 1, 1)
	task.setResult(ResultError)
	if got := task.Result(); got != ResultError {
		t.Errorf("result = %v, want %v", got, ResultError)
	}

	task.Stop()
	if !task.IsStopped() {
		t.Error("task should be stopped")
	}
	task.setResult(ResultSuccess)
	task.setResult(ResultError)
	if got := task.Result(); got != ResultStopped {
		t.Errorf("result = %v, want %v", got, ResultStopped)
	}

	// Stop before the task is bound cancels its context once it is.
	ctx, cancel := context.WithCancel(context.Background())
	task.bind(cancel)
	if ctx.Err() == nil {
		t.Error("binding a stopped task should cancel its context")
	}
}

func TestHandle_CancelFromEventHandler(t *testing.T) {
	f := newFixture(t)
	h := f.handle()
	h.Events.Subscribe(bus.Func(func(_ context.Context, e *runtime.Event) {
		if e.Kind == runtime.EventStageStarted {
			h.Cancel()
		}
	}))

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := awaitRun(t, runAsync(h))
	if core.CodeOf(err) != core.ErrStopped {
		t.Fatalf("Run error = %v, want a STOPPED error", err)
	}
	if !f.events.has(runtime.EventItemStopped) {
		t.Error("expected an item.stopped event")
	}
	if !f.events.has(runtime.EventStageReset) {
		t.Error("expected a stage.reset event")
	}
	if f.info().Flags.Has(item.FlagInstalled) {
		t.Error("cancelled item should not be installed")
	}
}

func TestHandle_PauseAndResumeFromEventHandler(t *testing.T) {
	f := newFixture(t)
	h := f.handle()
	var paused atomic.Bool
	h.Events.Subscribe(bus.Func(func(_ context.Context, e *runtime.Event) {
		switch e.Kind {
		case runtime.EventStageStarted:
			if e.Stage == core.StageDownload && !paused.Swap(true) {
				if !h.SetPaused(true, true) {
					t.Error("forced pause refused")
				}
			}
		case runtime.EventItemPaused:
			h.SetPaused(false, false)
		}
	}))

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := awaitRun(t, runAsync(h)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	kinds := f.events.kinds()
	if !slices.Contains(kinds, runtime.EventItemPaused) || !slices.Contains(kinds, runtime.EventItemResumed) {
		t.Errorf("events = %v, want item.paused and item.resumed", kinds)
	}
	info := f.info()
	if !info.Flags.Has(item.FlagInstalled) || info.Flags.Has(item.FlagPaused) {
		t.Errorf("flags = %s, want installed and not paused", info.Flags)
	}
}
