package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const fetchChunkSize = 64 << 10

// Fetcher downloads a tool payload into local storage and returns its path.
// report receives the bytes done and the payload size after every chunk.
type Fetcher interface {
	Fetch(ctx context.Context, t Tool, report func(done, total uint64)) (string, error)
}

// Installer installs a downloaded tool.
type Installer interface {
	Install(ctx context.Context, rec Record) error
}

// FileFetcher copies tool payloads from a local or mounted path into CacheDir.
type FileFetcher struct {
	CacheDir string
}

// Fetch copies t.Source to CacheDir/<id>/<base name>.
func (f FileFetcher) Fetch(ctx context.Context, t Tool, report func(done, total uint64)) (string, error) {
	src, err := os.Open(t.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", newToolError(ToolErrorCodeInvalid, fmt.Sprintf("tool %s: source %s does not exist", t.ID, t.Source), false, err)
		}
		return "", newToolError(ToolErrorCodeFetchFailed, "", true, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", newToolError(ToolErrorCodeFetchFailed, "", true, err)
	}
	total := uint64(info.Size())

	dir := filepath.Join(f.CacheDir, string(t.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", newToolError(ToolErrorCodeFetchFailed, "", false, err)
	}
	dstPath := filepath.Join(dir, filepath.Base(t.Source))
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", newToolError(ToolErrorCodeFetchFailed, "", false, err)
	}

	var done uint64
	buf := make([]byte, fetchChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = dst.Close()
			return "", err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_ = dst.Close()
				return "", newToolError(ToolErrorCodeFetchFailed, "", true, werr)
			}
			done += uint64(n)
			if report != nil {
				report(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = dst.Close()
			return "", newToolError(ToolErrorCodeFetchFailed, "", true, rerr)
		}
	}
	if err := dst.Close(); err != nil {
		return "", newToolError(ToolErrorCodeFetchFailed, "", true, err)
	}
	return dstPath, nil
}

// DirInstaller installs a tool by copying its cached payload into Dir/<id>.
type DirInstaller struct {
	Dir string
}

// Install copies rec.Path into the install directory of the tool.
func (d DirInstaller) Install(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Path == "" {
		return newToolError(ToolErrorCodeInstallFailed, fmt.Sprintf("tool %s has no downloaded payload", rec.ID), false, nil)
	}
	dir := filepath.Join(d.Dir, string(rec.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newToolError(ToolErrorCodeInstallFailed, "", false, err)
	}
	if err := copyFile(rec.Path, filepath.Join(dir, filepath.Base(rec.Path))); err != nil {
		return newToolError(ToolErrorCodeInstallFailed, "", false, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(ctx context.Context, rec Record) error

// Install calls f.
func (f InstallerFunc) Install(ctx context.Context, rec Record) error { return f(ctx, rec) }

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, t Tool, report func(done, total uint64)) (string, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, t Tool, report func(done, total uint64)) (string, error) {
	return f(ctx, t, report)
}
