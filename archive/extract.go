package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/petal-labs/depot/core"
)

// Extract writes every member of the local archive under dir, checking the
// extracted digests. Pause and cancellation are observed between chunks.
func (c *Container) Extract(ctx context.Context, dir string) error {
	c.mu.Lock()
	path, h := c.path, c.header
	c.mu.Unlock()
	if h == nil {
		return ErrNoHeader
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("archive: zstd decoder: %w", err)
	}
	defer dec.Close()

	total := uint64(h.RawSize())
	var done uint64
	c.publishProgress(ctx, 0, total, core.ProgressInitFinished)
	for _, e := range h.Entries {
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		var src io.Reader = io.NewSectionReader(f, h.DataOffset()+e.Offset, e.Size)
		if e.Compressed {
			if err := dec.Reset(src); err != nil {
				return core.WrapError(core.ErrInvalid, err, "archive: %s", e.Name)
			}
			src = dec
		}
		n, err := c.extractEntry(ctx, src, filepath.Join(dir, filepath.FromSlash(e.Name)), e, done, total)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		done += n
	}
	c.publishProgress(ctx, done, total, core.ProgressFinalizing)
	return nil
}

func (c *Container) extractEntry(ctx context.Context, src io.Reader, dst string, e Entry, base, total uint64) (uint64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("archive: create directory for %s: %w", e.Name, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("archive: create %s: %w", e.Name, err)
	}

	hasher := xxh3.New()
	w := io.MultiWriter(out, hasher)
	buf := make([]byte, c.chunkSize)
	var n uint64
	for {
		if err := c.checkpoint(ctx); err != nil {
			_ = out.Close()
			return 0, err
		}
		m, rerr := src.Read(buf)
		if m > 0 {
			if _, err := w.Write(buf[:m]); err != nil {
				_ = out.Close()
				return 0, fmt.Errorf("archive: write %s: %w", e.Name, err)
			}
			n += uint64(m)
			c.publishProgress(ctx, base+n, total, 0)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = out.Close()
			return 0, core.WrapError(core.ErrInvalid, rerr, "archive: read %s", e.Name)
		}
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("archive: close %s: %w", e.Name, err)
	}
	if n != uint64(e.RawSize) || hasher.Sum64() != e.RawDigest {
		return 0, core.NewError(core.ErrInvalid, "archive: %s: extracted content does not match the index", e.Name)
	}
	return n, nil
}

// VerifyInstall checks every member extracted under dir against the index.
// All mismatches are reported together.
func (c *Container) VerifyInstall(ctx context.Context, dir string) error {
	h := c.Header()
	if h == nil {
		return ErrNoHeader
	}

	var errs []error
	for _, e := range h.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := verifyFile(filepath.Join(dir, filepath.FromSlash(e.Name)), e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return core.WrapError(core.ErrInvalid, errors.Join(errs...), "archive: %d of %d members failed verification", len(errs), len(h.Entries))
	}
	return nil
}

func verifyFile(path string, e Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	defer f.Close()

	hasher := xxh3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	if n != e.RawSize || hasher.Sum64() != e.RawDigest {
		return fmt.Errorf("%s: content mismatch", e.Name)
	}
	return nil
}
