package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/depot/runtime"
)

// JournalWriter appends the events published on a Bus[runtime.Event] to a
// Journal. Subscribe it with Object. Events outside any run, such as the
// stop of a handle that never ran, are not journaled.
type JournalWriter struct {
	journal Journal
	logger  *slog.Logger
}

// NewJournalWriter creates a writer for j.
func NewJournalWriter(j Journal, logger *slog.Logger) *JournalWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalWriter{journal: j, logger: logger}
}

// Handle appends one event. Failures are logged and do not reach the
// publisher.
func (w *JournalWriter) Handle(ctx context.Context, e *runtime.Event) {
	if e == nil || e.RunID == "" {
		return
	}
	if err := w.journal.Append(context.WithoutCancel(ctx), *e); err != nil {
		w.logger.Error("failed to journal event",
			"run_id", e.RunID,
			"item_id", e.ItemID,
			"kind", e.Kind,
			"seq", e.Seq,
			"error", err,
		)
	}
}
