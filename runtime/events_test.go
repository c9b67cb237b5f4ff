package runtime

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(EventWorkerFailed, "run-1").
		WithItem("item-9", "download").
		WithWorker(2).
		WithError(errors.New("disk full")).
		WithPayload("file", "data/level1.pak")

	if e.ItemID != "item-9" || e.Stage != "download" {
		t.Errorf("item = %q/%q", e.ItemID, e.Stage)
	}
	if e.WorkerID != 2 {
		t.Errorf("WorkerID = %d, want 2", e.WorkerID)
	}
	if e.Payload["error"] != "disk full" {
		t.Errorf("payload error = %v", e.Payload["error"])
	}
	if e.Payload["file"] != "data/level1.pak" {
		t.Errorf("payload file = %v", e.Payload["file"])
	}
	if e.Time.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestWithError_Nil(t *testing.T) {
	e := Event{}.WithError(nil)
	if e.Payload != nil {
		t.Errorf("expected no payload, got %v", e.Payload)
	}
}

func TestMultiEventHandler_SkipsNil(t *testing.T) {
	var count int
	h := MultiEventHandler(func(Event) { count++ }, nil, func(Event) { count++ })
	h(Event{})
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestLogEventHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := LogEventHandler(logger)

	h(NewEvent(EventItemProgress, "run-1"))
	h(NewEvent(EventStageFailed, "run-1").WithItem("item-1", "install"))

	out := buf.String()
	if strings.Contains(out, string(EventItemProgress)) {
		t.Error("progress should be logged at debug level")
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "item_id=item-1") {
		t.Errorf("unexpected log output: %s", out)
	}
}
