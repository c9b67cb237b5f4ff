package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/gofrs/flock"
	"github.com/zeebo/xxh3"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
)

const defaultChunkSize = 256 << 10

// ContainerConfig wires a Container to its providers.
type ContainerConfig struct {
	// Providers is the static provider list.
	Providers []Provider
	// Source, when set, replaces the provider list on ForceProviders.
	Source ProviderSource
	// ChunkSize is the transfer granularity; pause and cancel are observed
	// between chunks.
	ChunkSize int
	Logger    *slog.Logger
}

// Container is the Archive implementation over depot archives.
type Container struct {
	progress  bus.Bus[core.Progress]
	errs      bus.Bus[error]
	providerB bus.Bus[core.ProviderEvent]

	source    ProviderSource
	chunkSize int
	logger    *slog.Logger

	mu        sync.Mutex
	path      string
	header    *Header
	providers []Provider
	announced bool
	gate      chan struct{} // non-nil while paused
}

// NewContainer creates a container.
func NewContainer(cfg ContainerConfig) *Container {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Container{
		source:    cfg.Source,
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
		providers: slices.Clone(cfg.Providers),
	}
}

// Progress carries transfer and extraction progress.
func (c *Container) Progress() *bus.Bus[core.Progress] { return &c.progress }

// Errors carries transport and IO errors as they happen.
func (c *Container) Errors() *bus.Bus[error] { return &c.errs }

// Providers carries provider additions and removals.
func (c *Container) Providers() *bus.Bus[core.ProviderEvent] { return &c.providerB }

// SetFile sets the local archive path.
func (c *Container) SetFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != path {
		c.header = nil
	}
	c.path = path
}

// Header returns the parsed header, or nil.
func (c *Container) Header() *Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

// ParseHeader reads the header from the local file if it holds one, and from
// the first provider otherwise.
func (c *Container) ParseHeader(ctx context.Context) error {
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()

	if path != "" {
		if f, err := os.Open(path); err == nil {
			h, herr := ReadHeader(f)
			_ = f.Close()
			if herr == nil {
				c.setHeader(h)
				return nil
			}
			if !errors.Is(herr, ErrBadMagic) {
				return core.WrapError(core.ErrInvalid, herr, "archive: %s", path)
			}
		}
	}

	providers, err := c.ensureProviders(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, p := range providers {
		h, err := c.readRemoteHeader(ctx, p)
		if err == nil {
			c.setHeader(h)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Warn("provider header read failed", "provider", p.Name(), "error", err)
	}
	return core.WrapError(core.ErrTransport, lastErr, "archive: no provider served a header")
}

func (c *Container) readRemoteHeader(ctx context.Context, p Provider) (*Header, error) {
	rc, err := p.Open(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadHeader(rc)
}

func (c *Container) setHeader(h *Header) {
	c.mu.Lock()
	c.header = h
	c.mu.Unlock()
}

func (c *Container) ensureProviders(ctx context.Context) ([]Provider, error) {
	c.mu.Lock()
	providers := slices.Clone(c.providers)
	c.mu.Unlock()
	if len(providers) > 0 {
		return providers, nil
	}
	if err := c.ForceProviders(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.providers), nil
}

// ForceProviders (re)loads the provider list and announces every provider on
// the provider bus.
func (c *Container) ForceProviders(ctx context.Context) error {
	var (
		providers []Provider
		err       error
	)
	if c.source != nil {
		providers, err = c.source(ctx)
		if err != nil {
			return core.WrapError(core.ErrTransport, err, "archive: load providers")
		}
	} else {
		c.mu.Lock()
		providers = slices.Clone(c.providers)
		c.mu.Unlock()
	}
	if len(providers) == 0 {
		return core.WrapError(core.ErrTransport, ErrNoProviders, "archive: load providers")
	}

	c.mu.Lock()
	old := c.providers
	announced := c.announced
	c.providers = providers
	c.announced = true
	c.mu.Unlock()

	if announced {
		for _, p := range old {
			if !slices.ContainsFunc(providers, func(q Provider) bool { return q.Name() == p.Name() }) {
				c.announce(ctx, core.ProviderRemove, p)
			}
		}
	}
	for _, p := range providers {
		if announced && slices.ContainsFunc(old, func(q Provider) bool { return q.Name() == p.Name() }) {
			continue
		}
		c.announce(ctx, core.ProviderAdd, p)
	}
	return nil
}

func (c *Container) announce(ctx context.Context, action core.ProviderAction, p Provider) {
	c.providerB.Publish(ctx, &core.ProviderEvent{Action: action, Name: p.Name(), URL: p.URL()})
}

func (c *Container) dropProvider(ctx context.Context, p Provider) {
	c.mu.Lock()
	i := slices.IndexFunc(c.providers, func(q Provider) bool { return q.Name() == p.Name() })
	if i >= 0 {
		c.providers = slices.Delete(c.providers, i, i+1)
	}
	c.mu.Unlock()
	if i >= 0 {
		c.announce(ctx, core.ProviderRemove, p)
	}
}

// Pause suspends transfers at the next chunk boundary.
func (c *Container) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Unpause resumes suspended transfers.
func (c *Container) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// Paused reports whether the container is paused.
func (c *Container) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate != nil
}

// checkpoint blocks while paused. It is the only place transfers observe
// pause and cancellation.
func (c *Container) checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		gate := c.gate
		c.mu.Unlock()
		if gate == nil {
			return ctx.Err()
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DownloadFiles fetches every member not already present in the local file.
// A member that fails on every provider is published on Errors; if a handler
// paused the container in response, the member is retried after Unpause,
// otherwise the error is returned.
func (c *Container) DownloadFiles(ctx context.Context) error {
	c.mu.Lock()
	path, h := c.path, c.header
	c.mu.Unlock()
	if h == nil {
		return ErrNoHeader
	}
	if path == "" {
		return core.NewError(core.ErrInvalid, "archive: no file set")
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("archive: lock %s: %w", path, err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	if err := c.prepare(f, h); err != nil {
		return err
	}

	total := uint64(h.DataSize())
	var done uint64
	pending := make([]Entry, 0, len(h.Entries))
	for _, e := range h.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if present(f, h, e) {
			done += uint64(e.Size)
			continue
		}
		pending = append(pending, e)
	}
	c.publishProgress(ctx, done, total, core.ProgressInitFinished)

	for _, e := range pending {
		for {
			n, err := c.fetchEntry(ctx, f, h, e, done, total)
			if err == nil {
				done += n
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errs.Publish(ctx, &err)
			if !c.Paused() {
				return err
			}
			if err := c.checkpoint(ctx); err != nil {
				return err
			}
			if _, perr := c.ensureProviders(ctx); perr != nil {
				return perr
			}
		}
	}

	c.publishProgress(ctx, done, total, core.ProgressFinalizing)
	if err := f.Sync(); err != nil {
		return fmt.Errorf("archive: sync %s: %w", path, err)
	}
	return nil
}

// prepare writes the header and sizes the file, keeping data already present.
func (c *Container) prepare(f *os.File, h *Header) error {
	existing, err := ReadHeader(io.NewSectionReader(f, 0, h.DataOffset()))
	if err != nil || string(existing.raw) != string(h.raw) {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("archive: reset local file: %w", err)
		}
		if _, err := f.WriteAt(h.Bytes(), 0); err != nil {
			return fmt.Errorf("archive: write header: %w", err)
		}
	}
	if err := f.Truncate(h.Size()); err != nil {
		return fmt.Errorf("archive: size local file: %w", err)
	}
	return nil
}

func present(f *os.File, h *Header, e Entry) bool {
	hasher := xxh3.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(f, h.DataOffset()+e.Offset, e.Size)); err != nil {
		return false
	}
	return hasher.Sum64() == e.Digest
}

// fetchEntry tries every provider in turn; a provider that fails is dropped
// and announced as removed.
func (c *Container) fetchEntry(ctx context.Context, f *os.File, h *Header, e Entry, base, total uint64) (uint64, error) {
	c.mu.Lock()
	providers := slices.Clone(c.providers)
	c.mu.Unlock()
	if len(providers) == 0 {
		return 0, core.WrapError(core.ErrTransport, ErrNoProviders, "archive: fetch %s", e.Name)
	}

	var lastErr error
	for _, p := range providers {
		err := c.copyEntry(ctx, p, f, h, e, base, total)
		if err == nil {
			return uint64(e.Size), nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("provider failed", "provider", p.Name(), "entry", e.Name, "error", err)
		c.dropProvider(ctx, p)
	}
	return 0, core.WrapError(core.ErrTransport, lastErr, "archive: fetch %s", e.Name)
}

func (c *Container) copyEntry(ctx context.Context, p Provider, f *os.File, h *Header, e Entry, base, total uint64) error {
	rc, err := p.Open(ctx, h.DataOffset()+e.Offset)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := xxh3.New()
	buf := make([]byte, c.chunkSize)
	var n int64
	for n < e.Size {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		want := min(int64(len(buf)), e.Size-n)
		m, err := io.ReadFull(rc, buf[:want])
		if m > 0 {
			if _, werr := f.WriteAt(buf[:m], h.DataOffset()+e.Offset+n); werr != nil {
				return werr
			}
			_, _ = hasher.Write(buf[:m])
			n += int64(m)
			c.publishProgress(ctx, base+uint64(n), total, 0)
		}
		if err != nil {
			return err
		}
	}
	if hasher.Sum64() != e.Digest {
		return fmt.Errorf("archive: %s: digest mismatch from %s", e.Name, p.Name())
	}
	return nil
}

func (c *Container) publishProgress(ctx context.Context, done, total uint64, flags core.ProgressFlag) {
	p := core.NewProgress(done, total)
	p.Flags = flags
	c.progress.Publish(ctx, &p)
}

var _ Archive = (*Container)(nil)
