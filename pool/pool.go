// Package pool runs a fixed number of workers over an ordered list of files
// and merges their per-worker outputs into a single artifact.
//
// Cancellation is cooperative. Workers observe pause and stop only in
// Controller.NewTask, that is between files; a file being processed when Stop
// or Pause is requested is allowed to finish.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrStopped is returned by Wait when the run was stopped before every file
	// was processed.
	ErrStopped = errors.New("pool: stopped")

	// ErrRunning is returned by Start when the controller has already been started.
	ErrRunning = errors.New("pool: already started")

	// ErrNoWorkers is returned by Start when the worker count is below one.
	ErrNoWorkers = errors.New("pool: worker count must be at least 1")
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// WorkerStatus is the status of a single worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
	WorkerPaused  WorkerStatus = "paused"
	WorkerStopped WorkerStatus = "stopped"
	WorkerFailed  WorkerStatus = "error"
)

// File describes one archive member to process. Index is its position in the
// scanned file list and fixes its place in the merged output.
type File struct {
	Index int
	Name  string
	Size  int64
}

// Segment locates the processed bytes of one file inside a worker's part.
type Segment struct {
	File     File
	WorkerID int
	Offset   int64
	Length   int64
}

// Chunk is a segment together with a reader over its bytes.
type Chunk struct {
	Segment
	io.Reader
}

// Source produces the files of a run. It is called once per run.
type Source interface {
	Scan(ctx context.Context) ([]File, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]File, error)

// Scan calls f.
func (f SourceFunc) Scan(ctx context.Context) ([]File, error) { return f(ctx) }

// Processor transforms one file into the worker's part. report may be called
// any number of times with the number of input bytes consumed since the last
// call.
type Processor interface {
	Process(ctx context.Context, workerID int, f File, out io.Writer, report func(n int64)) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, workerID int, f File, out io.Writer, report func(n int64)) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, workerID int, file File, out io.Writer, report func(n int64)) error {
	return f(ctx, workerID, file, out, report)
}

// Merger assembles the final artifact. Chunks are always in file-index order.
type Merger interface {
	Merge(ctx context.Context, chunks []Chunk) error
}

// WriterMerger concatenates chunks into W.
type WriterMerger struct {
	W io.Writer
}

// Merge copies every chunk to m.W in order.
func (m WriterMerger) Merge(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.Copy(m.W, c.Reader); err != nil {
			return fmt.Errorf("pool: merge %s: %w", c.File.Name, err)
		}
	}
	return nil
}

// WorkerError is published once for every failure reported by a worker.
type WorkerError struct {
	WorkerID int
	File     File
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("pool: worker %d: %s: %v", e.WorkerID, e.File.Name, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID     int
	Status WorkerStatus
	File   int // index of the file being processed, -1 if none
	Done   uint64
}

// Summary is published on Controller.Complete after a successful merge.
type Summary struct {
	RunID string
	Files int
	Bytes uint64
}
