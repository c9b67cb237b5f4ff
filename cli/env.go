package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/config"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	depototel "github.com/petal-labs/depot/otel"
	"github.com/petal-labs/depot/pipeline"
	"github.com/petal-labs/depot/runtime"
	"github.com/petal-labs/depot/tool"
)

// env is everything a command needs: configuration, stores, the event bus
// that journals lifecycle events and the tool manager.
type env struct {
	cfg    *config.Config
	logger *slog.Logger

	items  item.Store
	tools  *tool.Manager
	events bus.Journal

	// Events receives every lifecycle event. The journal and the log
	// handler are subscribed to it.
	Events    bus.Bus[runtime.Event]
	telemetry *depototel.Telemetry
	emit      runtime.EventEmitter

	closers []func(ctx context.Context) error
}

type envOptions struct {
	// journal keeps lifecycle events in the configured database.
	journal bool
	// tools creates the tool manager.
	tools bool
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if path != "" {
			if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "%v", err)
			}
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return cfg, nil
}

func openEnv(cmd *cobra.Command, opts envOptions) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: newLogger(cmd, cfg)}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := e.openItems(ctx); err != nil {
		e.Close(ctx)
		return nil, exitError(exitRuntime, "opening item store: %v", err)
	}
	if opts.journal {
		if err := e.openJournal(); err != nil {
			e.Close(ctx)
			return nil, exitError(exitRuntime, "opening event journal: %v", err)
		}
	}
	logEvent := runtime.LogEventHandler(e.logger)
	e.Events.Subscribe(bus.Func(func(_ context.Context, ev *runtime.Event) { logEvent(*ev) }))
	e.emit = bus.Emitter(&e.Events)

	if cfg.Telemetry.Enabled {
		telemetry, err := depototel.Setup(ctx, depototel.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			e.Close(ctx)
			return nil, exitError(exitRuntime, "setting up telemetry: %v", err)
		}
		e.telemetry = telemetry
		e.emit = telemetry.Emitter(e.emit)
		e.closers = append(e.closers, telemetry.Shutdown)
	}

	if opts.tools {
		if err := e.openTools(); err != nil {
			e.Close(ctx)
			return nil, exitError(exitRuntime, "opening tool registry: %v", err)
		}
	}
	return e, nil
}

// openItems opens the item store and syncs the declared items into it. Flags
// and progress of items already known are kept.
func (e *env) openItems(ctx context.Context) error {
	declared := e.cfg.ItemInfos()
	if e.cfg.Database == "" {
		e.items = item.NewMemoryStore(declared...)
		return nil
	}
	store, err := item.NewSQLiteStore(e.cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	e.items = store
	e.closers = append(e.closers, func(context.Context) error { return store.Close() })

	for _, info := range declared {
		if existing, err := store.Get(ctx, info.ID); err == nil {
			info.Flags |= existing.Flags
			info.Percent = existing.Percent
		} else if core.CodeOf(err) != core.ErrBadID {
			return err
		}
		if err := store.Put(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (e *env) openJournal() error {
	var journal bus.Journal
	if e.cfg.Database == "" {
		journal = bus.NewMemJournal(e.cfg.JournalRetention())
	} else {
		sqlite, err := bus.NewSQLiteJournal(bus.SQLiteJournalConfig{
			DSN:       e.cfg.DatabaseDSN(),
			Retention: e.cfg.JournalRetention(),
		})
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func(context.Context) error { return sqlite.Close() })
		journal = sqlite
	}
	e.events = journal
	e.Events.Subscribe(bus.Object[runtime.Event](bus.NewJournalWriter(journal, e.logger)))
	return nil
}

func (e *env) openTools() error {
	var store tool.Store
	if e.cfg.Database == "" {
		store = tool.NewMemoryStore()
	} else {
		sqlite, err := tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: e.cfg.DatabaseDSN()})
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func(context.Context) error { return sqlite.Close() })
		store = sqlite
	}

	manager, err := tool.NewManager(tool.ManagerConfig{
		Store:     store,
		Catalog:   e.cfg.ToolCatalog(),
		Fetcher:   tool.FileFetcher{CacheDir: e.cfg.Tools.CacheDir},
		Installer: tool.DirInstaller{Dir: e.cfg.Tools.InstallDir},
		Emit:      e.emit,
		Logger:    e.logger,
	})
	if err != nil {
		return err
	}
	e.tools = manager
	e.closers = append(e.closers, manager.Close)
	return nil
}

// handle creates the pipeline handle of an item.
func (e *env) handle(id core.ItemID, pauseOnError bool) (*pipeline.Handle, error) {
	if e.tools == nil {
		return nil, errors.New("cli: tool manager not opened")
	}
	return pipeline.NewHandle(pipeline.HandleConfig{
		ItemID:       id,
		Items:        e.items,
		Tools:        e.tools,
		DataDir:      e.cfg.DataDir,
		PauseOnError: pauseOnError,
		Workers:      e.cfg.Workers,
		Level:        e.cfg.CompressionLevel(),
		Emit:         e.emit,
		Logger:       e.logger,
	})
}

// Close releases stores and flushes telemetry, last opened first.
func (e *env) Close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to close resource", "error", err)
		}
	}
	e.closers = nil
}

// newLogger builds the root logger. --verbose and --quiet override the
// configured level. Logs go to stderr.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(newLogHandler(cmd.ErrOrStderr(), cfg.Log.Format, level))
}

func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
