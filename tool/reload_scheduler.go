package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/depot/core"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a UTC cron expression ("*/30 * * * *", "@hourly",
// "@every 10m").
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Reloader refreshes the tool registry for an item (empty for every item).
type Reloader interface {
	ReloadTools(ctx context.Context, itemID core.ItemID) error
}

// ReloadEvent captures one scheduled reload.
type ReloadEvent struct {
	ItemID   core.ItemID
	Started  time.Time
	Duration time.Duration
	Error    error
}

// ReloadEventHandler handles scheduler reload events.
type ReloadEventHandler func(event ReloadEvent)

// ReloadSchedulerConfig controls background catalog reloads.
type ReloadSchedulerConfig struct {
	Reloader Reloader
	// Schedule is a cron expression, evaluated in UTC.
	Schedule string
	// ItemIDs restricts reloads to these items. Empty reloads the whole catalog.
	ItemIDs []core.ItemID
	// RunOnStart triggers one reload as soon as the scheduler starts.
	RunOnStart bool
	OnEvent    ReloadEventHandler
	Logger     *slog.Logger
}

// ReloadScheduler reloads the tool catalog on a cron schedule.
type ReloadScheduler struct {
	reloader   Reloader
	schedule   cron.Schedule
	items      []core.ItemID
	runOnStart bool
	onEvent    ReloadEventHandler
	logger     *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReloadScheduler creates a reload scheduler.
func NewReloadScheduler(cfg ReloadSchedulerConfig) (*ReloadScheduler, error) {
	if cfg.Reloader == nil {
		return nil, errors.New("tool: reload scheduler reloader is nil")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("tool: reload schedule: %w", err)
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(ReloadEvent) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	items := cfg.ItemIDs
	if len(items) == 0 {
		items = []core.ItemID{""}
	}

	return &ReloadScheduler{
		reloader:   cfg.Reloader,
		schedule:   schedule,
		items:      items,
		runOnStart: cfg.RunOnStart,
		onEvent:    cfg.OnEvent,
		logger:     cfg.Logger,
	}, nil
}

// Next returns the next activation after now.
func (s *ReloadScheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.UTC())
}

// Start begins scheduler execution. Starting a running scheduler is a no-op.
func (s *ReloadScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("tool: reload scheduler is nil")
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		_ = s.RunOnce(loopCtx)
	}))
	s.cron = c
	s.cancel = cancel
	s.mu.Unlock()

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.RunOnce(loopCtx)
		}()
	}
	c.Start()
	return nil
}

// Stop terminates scheduler execution and waits for a running reload.
func (s *ReloadScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()

	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce reloads every configured item and returns the joined errors.
func (s *ReloadScheduler) RunOnce(ctx context.Context) error {
	if s == nil || s.reloader == nil {
		return errors.New("tool: reload scheduler reloader is nil")
	}

	var errs []error
	for _, itemID := range s.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := s.reloader.ReloadTools(ctx, itemID)
		if err != nil {
			s.logger.Warn("scheduled tool reload failed", "item_id", itemID, "error", err)
			errs = append(errs, err)
		}
		s.onEvent(ReloadEvent{
			ItemID:   itemID,
			Started:  started,
			Duration: time.Since(started),
			Error:    err,
		})
	}
	return errors.Join(errs...)
}
