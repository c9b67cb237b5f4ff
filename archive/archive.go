// Package archive reads and writes depot archives: a JSON index followed by
// the (optionally zstd-compressed) members, each carrying xxh3 digests.
//
// Container is the collaborator used by the item pipeline. It fetches an
// archive from one or more providers, reporting progress, transport errors
// and provider changes on its buses. Pause is cooperative and observed at
// chunk boundaries; cancelling the context passed to DownloadFiles or Extract
// stops the transfer at the next boundary, even while paused.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
)

var (
	// ErrNoHeader is returned when an operation needs a parsed header.
	ErrNoHeader = errors.New("archive: header not parsed")

	// ErrNoProviders is returned when no provider can serve the archive.
	ErrNoProviders = errors.New("archive: no providers")

	// ErrLocked is returned when another process holds the archive lock.
	ErrLocked = errors.New("archive: locked by another process")
)

// Archive is the container contract consumed by the item pipeline.
type Archive interface {
	SetFile(path string)
	ParseHeader(ctx context.Context) error
	ForceProviders(ctx context.Context) error
	DownloadFiles(ctx context.Context) error
	Extract(ctx context.Context, dir string) error
	VerifyInstall(ctx context.Context, dir string) error
	Pause()
	Unpause()

	Progress() *bus.Bus[core.Progress]
	Errors() *bus.Bus[error]
	Providers() *bus.Bus[core.ProviderEvent]
}

// Provider serves the bytes of a published archive.
type Provider interface {
	Name() string
	URL() string
	// Open returns the archive bytes starting at offset.
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
}

// ProviderSource resolves the current provider list for an archive.
type ProviderSource func(ctx context.Context) ([]Provider, error)

// FileProvider serves an archive from a local or mounted path.
type FileProvider struct {
	Label string
	Path  string
}

// Name returns the provider label, or the path when unlabeled.
func (p FileProvider) Name() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Path
}

// URL returns a file URL for the archive.
func (p FileProvider) URL() string {
	return "file://" + p.Path
}

// Open opens the archive and seeks to offset.
func (p FileProvider) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("archive: provider %s: %w", p.Name(), err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: provider %s: seek: %w", p.Name(), err)
	}
	return f, nil
}
