package pool

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Part is the append-only output of one worker.
type Part interface {
	io.Writer
	io.ReaderAt
	Size() int64
	Close() error
}

// PartStore creates the per-worker parts of a run.
type PartStore interface {
	Create(workerID int) (Part, error)
}

// MemoryParts keeps parts in memory.
type MemoryParts struct{}

// Create returns an empty in-memory part.
func (MemoryParts) Create(int) (Part, error) {
	return &memPart{}, nil
}

type memPart struct {
	buf bytes.Buffer
}

func (p *memPart) Write(b []byte) (int, error) { return p.buf.Write(b) }

func (p *memPart) ReadAt(b []byte, off int64) (int, error) {
	return bytes.NewReader(p.buf.Bytes()).ReadAt(b, off)
}

func (p *memPart) Size() int64 { return int64(p.buf.Len()) }

func (p *memPart) Close() error {
	p.buf.Reset()
	return nil
}

// DirParts stores parts as temporary files under Dir (os.TempDir if empty).
// Files are removed when the part is closed.
type DirParts struct {
	Dir string
}

// Create opens a new temporary part file.
func (s DirParts) Create(workerID int) (Part, error) {
	f, err := os.CreateTemp(s.Dir, fmt.Sprintf("depot-part-%d-*", workerID))
	if err != nil {
		return nil, fmt.Errorf("pool: create part: %w", err)
	}
	return &filePart{f: f}, nil
}

type filePart struct {
	f    *os.File
	size int64
}

func (p *filePart) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.size += int64(n)
	return n, err
}

func (p *filePart) ReadAt(b []byte, off int64) (int, error) { return p.f.ReadAt(b, off) }

func (p *filePart) Size() int64 { return p.size }

func (p *filePart) Close() error {
	name := p.f.Name()
	err := p.f.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
