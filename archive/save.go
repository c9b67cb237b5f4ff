package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/pool"
	"github.com/petal-labs/depot/runtime"
)

// SaveConfig controls how a directory is packed into an archive.
type SaveConfig struct {
	// Source is the directory to pack.
	Source string
	// FS overrides the filesystem members are read from. Defaults to
	// os.DirFS(Source).
	FS fs.FS
	// Destination is the archive path. It is written through a temporary file
	// and renamed once complete.
	Destination string
	// Workers is the size of the compression pool.
	Workers int
	// Level is the zstd level (1 fastest .. 4 best). Zero stores members
	// uncompressed.
	Level int

	Branch core.Branch
	Build  core.Build

	// TempDir holds per-worker parts. Empty keeps parts in memory.
	TempDir string

	// Progress, when set, receives aggregate compression progress.
	Progress *bus.Bus[core.Progress]
	// Errors, when set, receives every worker failure as it happens.
	Errors *bus.Bus[error]

	// RunID, ItemID and Stage tag the pool events.
	RunID  string
	ItemID core.ItemID
	Stage  core.Stage
	Emit   runtime.EventEmitter
	Logger *slog.Logger
}

// Save packs cfg.Source into cfg.Destination and returns the written header.
// The destination is locked for the duration of the save.
func Save(ctx context.Context, cfg SaveConfig) (*Header, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	fsys := cfg.FS
	if fsys == nil {
		if cfg.Source == "" {
			return nil, core.NewError(core.ErrInvalid, "archive: save source is required")
		}
		fsys = os.DirFS(cfg.Source)
	}
	lock := flock.New(cfg.Destination + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("archive: lock %s: %w", cfg.Destination, err)
	}
	if !locked {
		return nil, ErrLocked
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	proc := &memberProcessor{fsys: fsys, level: cfg.Level, meta: make(map[int]memberMeta)}
	defer proc.close()
	merger := &archiveMerger{dst: cfg.Destination, proc: proc, branch: cfg.Branch, build: cfg.Build}

	var parts pool.PartStore = pool.MemoryParts{}
	if cfg.TempDir != "" {
		parts = pool.DirParts{Dir: cfg.TempDir}
	}
	c := pool.NewController(pool.Config{
		Source:    pool.SourceFunc(func(ctx context.Context) ([]pool.File, error) { return scanDir(ctx, fsys) }),
		Processor: proc,
		Merger:    merger,
		Parts:     parts,
		RunID:     cfg.RunID,
		ItemID:    cfg.ItemID,
		Stage:     cfg.Stage,
		Emit:      cfg.Emit,
		Logger:    cfg.Logger,
	})
	if cfg.Progress != nil {
		c.Progress.Subscribe(bus.Proxy(cfg.Progress))
	}
	if cfg.Errors != nil {
		errs := cfg.Errors
		c.WorkerError.Subscribe(bus.Func(func(ctx context.Context, we *pool.WorkerError) {
			err := error(we)
			errs.Publish(ctx, &err)
		}))
	}
	if err := c.Run(ctx, cfg.Workers); err != nil {
		return nil, err
	}
	return merger.header, nil
}

func scanDir(ctx context.Context, fsys fs.FS) ([]pool.File, error) {
	var files []pool.File
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, pool.File{Name: p, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

type memberMeta struct {
	rawDigest  uint64
	digest     uint64
	compressed bool
}

// memberProcessor compresses one member into the worker's part. Encoders are
// kept per worker and reset between members.
type memberProcessor struct {
	fsys  fs.FS
	level int

	mu       sync.Mutex
	meta     map[int]memberMeta
	encoders map[int]*zstd.Encoder
}

func (p *memberProcessor) encoder(workerID int, w io.Writer) (*zstd.Encoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encoders == nil {
		p.encoders = make(map[int]*zstd.Encoder)
	}
	if enc, ok := p.encoders[workerID]; ok {
		enc.Reset(w)
		return enc, nil
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel(p.level))),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	p.encoders[workerID] = enc
	return enc, nil
}

func zstdLevel(level int) int {
	switch {
	case level <= 1:
		return 1
	case level == 2:
		return 3
	case level == 3:
		return 7
	default:
		return 11
	}
}

func (p *memberProcessor) Process(ctx context.Context, workerID int, f pool.File, out io.Writer, report func(int64)) error {
	src, err := p.fsys.Open(f.Name)
	if err != nil {
		return err
	}
	defer src.Close()

	rawHash := xxh3.New()
	storedHash := xxh3.New()
	stored := io.MultiWriter(out, storedHash)
	in := io.TeeReader(&progressReader{ctx: ctx, r: src, report: report}, rawHash)

	compressed := p.level > 0
	if compressed {
		enc, err := p.encoder(workerID, stored)
		if err != nil {
			return fmt.Errorf("zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, in); err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if _, err := io.Copy(stored, in); err != nil {
		return err
	}

	p.mu.Lock()
	p.meta[f.Index] = memberMeta{
		rawDigest:  rawHash.Sum64(),
		digest:     storedHash.Sum64(),
		compressed: compressed,
	}
	p.mu.Unlock()
	return nil
}

func (p *memberProcessor) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, enc := range p.encoders {
		_ = enc.Close()
	}
}

type progressReader struct {
	ctx    context.Context
	r      io.Reader
	report func(int64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.r.Read(b)
	if n > 0 {
		r.report(int64(n))
	}
	return n, err
}

// archiveMerger writes the header and the ordered members to the destination.
type archiveMerger struct {
	dst    string
	proc   *memberProcessor
	branch core.Branch
	build  core.Build
	header *Header
}

func (m *archiveMerger) Merge(ctx context.Context, chunks []pool.Chunk) error {
	entries := make([]Entry, len(chunks))
	var offset int64
	m.proc.mu.Lock()
	for i, c := range chunks {
		meta := m.proc.meta[c.File.Index]
		entries[i] = Entry{
			Name:       c.File.Name,
			Offset:     offset,
			Size:       c.Length,
			RawSize:    c.File.Size,
			Digest:     meta.digest,
			RawDigest:  meta.rawDigest,
			Compressed: meta.compressed,
		}
		offset += c.Length
	}
	m.proc.mu.Unlock()

	h, err := newHeader(m.branch, m.build, entries)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.dst), filepath.Base(m.dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", m.dst, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(h.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive: write header: %w", err)
	}
	if err := (pool.WriterMerger{W: tmp}).Merge(ctx, chunks); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive: sync %s: %w", m.dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", m.dst, err)
	}
	if err := os.Rename(tmp.Name(), m.dst); err != nil {
		return fmt.Errorf("archive: rename %s: %w", m.dst, err)
	}
	m.header = h
	return nil
}
