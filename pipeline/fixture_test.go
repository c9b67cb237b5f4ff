package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/depot/archive"
	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

const waitFor = 3 * time.Second

// testProvider serves an archive from disk. Data reads can be made to fail or
// to wait for a gate; header reads always succeed.
type testProvider struct {
	archive.FileProvider
	broken atomic.Bool
	gate   chan struct{}
	opens  atomic.Int32
}

func (p *testProvider) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if offset > 0 {
		p.opens.Add(1)
		if p.broken.Load() {
			return nil, errors.New("503 service unavailable")
		}
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return p.FileProvider.Open(ctx, offset)
}

type recorder struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (r *recorder) emit(e runtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []runtime.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// started lists the stages that emitted stage.started, in order.
func (r *recorder) started() []core.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Stage
	for _, e := range r.events {
		if e.Kind == runtime.EventStageStarted {
			out = append(out, e.Stage)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	root     string
	files    map[string]string
	archive  string
	provider *testProvider
	items    *item.MemoryStore
	tools    *tool.Manager
	registry *tool.MemoryStore
	fetcher  tool.Fetcher
	events   *recorder

	mu        sync.Mutex
	installed []core.ToolID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	files := map[string]string{
		"game.exe":         strings.Repeat("MZ-exe-", 900),
		"data/base.pak":    strings.Repeat("pak0|", 1500),
		"data/maps/e1.map": strings.Repeat("{brush}", 400),
		"readme.txt":       "have fun\n",
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		writeFile(t, p, body)
	}
	published := filepath.Join(root, "published", "game.dpot")
	if err := os.MkdirAll(filepath.Dir(published), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := archive.Save(context.Background(), archive.SaveConfig{
		Source:      src,
		Destination: published,
		Workers:     2,
		Level:       1,
		Branch:      3,
		Build:       120,
	})
	if err != nil {
		t.Fatalf("save published archive: %v", err)
	}

	f := &fixture{
		t:        t,
		root:     root,
		files:    files,
		archive:  published,
		provider: &testProvider{FileProvider: archive.FileProvider{Label: "mirror-1", Path: published}},
		items: item.NewMemoryStore(item.Info{
			ID:         "game",
			Name:       "Game",
			InstallDir: filepath.Join(root, "install", "game"),
			Branch:     item.Branch{ID: 3, Build: 120, Source: published},
		}),
		registry: tool.NewMemoryStore(),
		events:   &recorder{},
	}
	f.fetcher = tool.FetcherFunc(func(_ context.Context, tl tool.Tool, report func(done, total uint64)) (string, error) {
		report(10, 10)
		return filepath.Join(root, "cache", string(tl.ID)), nil
	})
	f.tools = f.newManager(f.fetcher, nil)
	return f
}

func (f *fixture) newManager(fetcher tool.Fetcher, catalog tool.Catalog) *tool.Manager {
	f.t.Helper()
	m, err := tool.NewManager(tool.ManagerConfig{
		Store:   f.registry,
		Catalog: catalog,
		Fetcher: fetcher,
		Installer: tool.InstallerFunc(func(_ context.Context, rec tool.Record) error {
			f.mu.Lock()
			f.installed = append(f.installed, rec.ID)
			f.mu.Unlock()
			return nil
		}),
	})
	if err != nil {
		f.t.Fatalf("NewManager: %v", err)
	}
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func (f *fixture) installedTools() []core.ToolID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ToolID(nil), f.installed...)
}

func (f *fixture) registerTool(id core.ToolID) {
	f.t.Helper()
	if err := f.registry.Upsert(context.Background(), tool.Record{
		Tool: tool.Tool{ID: id, Source: "/mirror/" + string(id)},
	}); err != nil {
		f.t.Fatalf("register tool %s: %v", id, err)
	}
}

func (f *fixture) updateItem(fn func(*item.Info)) {
	f.t.Helper()
	info := f.info()
	fn(&info)
	if err := f.items.Put(context.Background(), info); err != nil {
		f.t.Fatalf("Put: %v", err)
	}
}

func (f *fixture) info() item.Info {
	f.t.Helper()
	return f.infoOf("game")
}

func (f *fixture) infoOf(id core.ItemID) item.Info {
	f.t.Helper()
	info, err := f.items.Get(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Get %s: %v", id, err)
	}
	return info
}

// addItem registers another item installed from the published archive.
func (f *fixture) addItem(id core.ItemID) {
	f.t.Helper()
	if err := f.items.Put(context.Background(), item.Info{
		ID:         id,
		Name:       string(id),
		InstallDir: filepath.Join(f.root, "install", string(id)),
		Branch:     item.Branch{ID: 3, Build: 120, Source: f.archive},
	}); err != nil {
		f.t.Fatalf("Put %s: %v", id, err)
	}
}

func (f *fixture) handle(mods ...func(*HandleConfig)) *Handle {
	f.t.Helper()
	cfg := HandleConfig{
		ItemID:  "game",
		Items:   f.items,
		Tools:   f.tools,
		DataDir: filepath.Join(f.root, "data"),
		NewArchive: func(item.Info) archive.Archive {
			return archive.NewContainer(archive.ContainerConfig{
				Source: func(context.Context) ([]archive.Provider, error) {
					return []archive.Provider{f.provider}, nil
				},
				ChunkSize: 512,
			})
		},
		ProgressInterval: 10 * time.Millisecond,
		Emit:             f.events.emit,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	h, err := NewHandle(cfg)
	if err != nil {
		f.t.Fatalf("NewHandle: %v", err)
	}
	return h
}

// runAsync runs h on its own goroutine.
func runAsync(h *Handle) <-chan error {
	out := make(chan error, 1)
	go func() { out <- h.Run(context.Background()) }()
	return out
}

func awaitRun(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("handle did not finish")
		return nil
	}
}

// waitUntil polls cond until it holds or waitFor passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) assertInstalled(dir string) {
	f.t.Helper()
	for name, body := range f.files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			f.t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != body {
			f.t.Fatalf("%s content differs from the published file", name)
		}
	}
}

// checkFlags fails unless every flag in set is set and every flag in clear
// is not.
func (f *fixture) checkFlags(set, clear item.Flag) {
	f.t.Helper()
	got := f.info().Flags
	if !got.Has(set) {
		f.t.Errorf("flags = %s, want %s set", got, set)
	}
	if got&clear != 0 {
		f.t.Errorf("flags = %s, want %s clear", got, got&clear)
	}
}

func checkStages(t *testing.T, got []core.Stage, want ...core.Stage) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
}

func checkCode(t *testing.T, err error, want core.ErrorCode) {
	t.Helper()
	if got := core.CodeOf(err); got != want {
		t.Errorf("error = %v, want code %s", err, want)
	}
}

func errorsOf(b *bus.Bus[error]) func() []error {
	var (
		mu   sync.Mutex
		errs []error
	)
	b.Subscribe(bus.Func(func(_ context.Context, err *error) {
		mu.Lock()
		errs = append(errs, *err)
		mu.Unlock()
	}))
	return func() []error {
		mu.Lock()
		defer mu.Unlock()
		return append([]error(nil), errs...)
	}
}

func (r *recorder) has(kind runtime.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// percentStore records every percentage written for an item.
type percentStore struct {
	*item.MemoryStore
	mu     sync.Mutex
	values []uint8
}

func (s *percentStore) SetPercent(ctx context.Context, id core.ItemID, percent uint8) error {
	s.mu.Lock()
	s.values = append(s.values, percent)
	s.mu.Unlock()
	return s.MemoryStore.SetPercent(ctx, id, percent)
}

func (s *percentStore) recorded() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.values...)
}
