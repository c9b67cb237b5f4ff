package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/runtime"
)

// Service is the tool acquisition contract used by the item pipeline.
type Service interface {
	// DownloadTools starts fetching every tool of tx that is not downloaded yet.
	DownloadTools(tx *Transaction) TransactionID
	// InstallTools downloads missing payloads, then installs every tool of tx
	// that is not installed yet. StartInstall fires before the first install.
	InstallTools(tx *Transaction) TransactionID
	// UpdateTransaction re-binds the events of a running transaction to tx. If
	// the transaction already ended, its outcome is replayed on tx.
	UpdateTransaction(id TransactionID, tx *Transaction) bool
	// RemoveTransaction forgets a transaction; no further events are published
	// for it. forced also cancels work still in progress.
	RemoveTransaction(id TransactionID, forced bool)

	AreAllToolsValid(ids []core.ToolID) bool
	AreAllToolsDownloaded(ids []core.ToolID) bool
	AreAllToolsInstalled(ids []core.ToolID) bool

	// ReloadTools refreshes the registry from the catalog for itemID.
	ReloadTools(ctx context.Context, itemID core.ItemID) error
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Store     Store
	Catalog   Catalog
	Fetcher   Fetcher
	Installer Installer

	// Emit receives tool transaction lifecycle events (optional).
	Emit   runtime.EventEmitter
	Logger *slog.Logger
}

type txState struct {
	id     TransactionID
	runID  string
	kind   TransactionKind
	tools  []core.ToolID
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	tx       *Transaction
	finished bool
	err      error
}

func (st *txState) current() *Transaction {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tx
}

// Manager implements Service over a registry Store. Acquisitions run one at a
// time on background goroutines.
type Manager struct {
	store     Store
	catalog   Catalog
	fetcher   Fetcher
	installer Installer
	emit      runtime.EventEmitter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	nextID TransactionID
	txs    map[TransactionID]*txState
	closed bool

	// acquireMu serializes registry mutations (fetch, install, reload).
	acquireMu sync.Mutex
}

// NewManager creates a tool manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("tool: manager store is nil")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = StaticCatalog(nil)
	}
	if cfg.Emit == nil {
		cfg.Emit = func(runtime.Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		fetcher:   cfg.Fetcher,
		installer: cfg.Installer,
		emit:      cfg.Emit,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		txs:       make(map[TransactionID]*txState),
	}, nil
}

// DownloadTools implements Service.
func (m *Manager) DownloadTools(tx *Transaction) TransactionID {
	return m.start(TransactionDownload, tx)
}

// InstallTools implements Service.
func (m *Manager) InstallTools(tx *Transaction) TransactionID {
	return m.start(TransactionInstall, tx)
}

func (m *Manager) start(kind TransactionKind, tx *Transaction) TransactionID {
	if tx == nil {
		return 0
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.nextID++
	ctx, cancel := context.WithCancel(m.ctx)
	st := &txState{
		id:     m.nextID,
		runID:  uuid.NewString(),
		kind:   kind,
		tools:  slices.Clone(tx.Tools),
		cancel: cancel,
		done:   make(chan struct{}),
		tx:     tx,
	}
	m.txs[st.id] = st
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, st)
	return st.id
}

func (m *Manager) run(ctx context.Context, st *txState) {
	defer m.wg.Done()
	defer close(st.done)
	defer st.cancel()

	started := time.Now()
	m.emit(m.event(st, "opened", started))

	err := m.execute(ctx, st)
	if err != nil && ctx.Err() != nil {
		err = newToolError(ToolErrorCodeCancelled, fmt.Sprintf("transaction %d removed", st.id), false, err)
	}

	emitTransactionObservation(TransactionObservation{
		TransactionID: st.id,
		Kind:          st.kind,
		Tools:         len(st.tools),
		DurationMS:    time.Since(started).Milliseconds(),
		Success:       err == nil,
		ErrorCode:     ErrorCode(err),
	})
	status := "completed"
	if err != nil {
		status = "failed"
		m.logger.Warn("tool transaction failed", "transaction", st.id, "kind", st.kind, "error", err)
	}
	m.emit(m.event(st, status, started).WithError(err))

	st.mu.Lock()
	st.finished = true
	st.err = err
	tx := st.tx
	st.mu.Unlock()

	if !m.live(st.id) {
		return
	}
	notify(tx, err)
}

func notify(tx *Transaction, err error) {
	ctx := context.Background()
	if err != nil {
		tx.Error.Publish(ctx, &err)
		return
	}
	tx.Complete.Fire(ctx)
}

func (m *Manager) execute(ctx context.Context, st *txState) error {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	recs := make([]Record, 0, len(st.tools))
	for _, id := range st.tools {
		rec, err := m.resolve(ctx, id)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	for i := range recs {
		if recs[i].Downloaded && recs[i].Path != "" {
			st.current().Progress.Publish(ctx, &Progress{
				Tool:    recs[i].ID,
				Percent: core.Percent(uint64(i+1), uint64(len(recs))),
			})
			continue
		}
		if err := m.fetch(ctx, st, i, len(recs), &recs[i]); err != nil {
			return err
		}
	}

	if st.kind != TransactionInstall {
		return nil
	}

	announced := false
	for i := range recs {
		if recs[i].Installed {
			continue
		}
		if m.installer == nil {
			return newToolError(ToolErrorCodeInstallFailed, "no installer configured", false, nil)
		}
		if !announced {
			st.current().StartInstall.Fire(ctx)
			announced = true
		}
		if err := m.installer.Install(ctx, recs[i]); err != nil {
			return withToolErrorDetails(asToolError(err, ToolErrorCodeInstallFailed), map[string]any{"tool": string(recs[i].ID)})
		}
		recs[i].Installed = true
		recs[i].UpdatedAt = time.Now().UTC()
		if err := m.store.Upsert(ctx, recs[i]); err != nil {
			return fmt.Errorf("tool: record install of %s: %w", recs[i].ID, err)
		}
	}
	return nil
}

func (m *Manager) resolve(ctx context.Context, id core.ToolID) (Record, error) {
	rec, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("tool: load %s: %w", id, err)
	}
	if !ok {
		return Record{}, newToolError(ToolErrorCodeNotFound, fmt.Sprintf("tool %s is not registered", id), false, nil)
	}
	if !rec.Valid() {
		return Record{}, newToolError(ToolErrorCodeInvalid, fmt.Sprintf("tool %s has no source", id), false, nil)
	}
	return rec, nil
}

func (m *Manager) fetch(ctx context.Context, st *txState, index, count int, rec *Record) error {
	if m.fetcher == nil {
		return newToolError(ToolErrorCodeFetchFailed, "no fetcher configured", false, nil)
	}

	started := time.Now()
	var path string
	n, attempts, err := fetchWithRetry(ctx, rec.Retry, rec.Tool, func(ctx context.Context, attempt int) (uint64, error) {
		var last uint64
		p, err := m.fetcher.Fetch(ctx, rec.Tool, func(done, total uint64) {
			last = done
			st.current().Progress.Publish(ctx, &Progress{
				Tool:    rec.ID,
				Percent: transactionPercent(index, count, done, total),
				Done:    done,
				Total:   total,
			})
		})
		path = p
		return last, err
	})
	emitFetchObservation(FetchObservation{
		ToolID:     rec.ID,
		Attempts:   attempts,
		Bytes:      n,
		DurationMS: time.Since(started).Milliseconds(),
		Success:    err == nil,
		ErrorCode:  ErrorCode(err),
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return withToolErrorDetails(asToolError(err, ToolErrorCodeFetchFailed), map[string]any{
			"tool":     string(rec.ID),
			"attempts": attempts,
		})
	}

	rec.Downloaded = true
	rec.Path = path
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Upsert(ctx, *rec); err != nil {
		return fmt.Errorf("tool: record download of %s: %w", rec.ID, err)
	}
	return nil
}

func transactionPercent(index, count int, done, total uint64) uint8 {
	if count <= 0 {
		return 100
	}
	sum := uint64(index)*100 + uint64(core.Percent(done, total))
	return uint8(sum / uint64(count))
}

func asToolError(err error, code string) *ToolError {
	if toolErr, ok := toolErrorFrom(err); ok {
		return toolErr
	}
	return newToolError(toolErrorCodeOrDefault(err, code), "", false, err)
}

func (m *Manager) event(st *txState, status string, started time.Time) runtime.Event {
	return runtime.NewEvent(runtime.EventToolTransaction, st.runID).
		WithElapsed(time.Since(started)).
		WithPayload("transaction_id", uint64(st.id)).
		WithPayload("kind", string(st.kind)).
		WithPayload("tools", len(st.tools)).
		WithPayload("status", status)
}

func (m *Manager) live(id TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[id]
	return ok
}

func (m *Manager) lookup(id TransactionID) *txState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[id]
}

// UpdateTransaction implements Service.
func (m *Manager) UpdateTransaction(id TransactionID, tx *Transaction) bool {
	st := m.lookup(id)
	if st == nil || tx == nil {
		return false
	}

	st.mu.Lock()
	st.tx = tx
	finished, err := st.finished, st.err
	st.mu.Unlock()

	if finished {
		notify(tx, err)
	}
	return true
}

// RemoveTransaction implements Service.
func (m *Manager) RemoveTransaction(id TransactionID, forced bool) {
	m.mu.Lock()
	st, ok := m.txs[id]
	delete(m.txs, id)
	m.mu.Unlock()

	if ok && forced {
		st.cancel()
	}
}

// Status returns the state of a transaction that has not been removed.
func (m *Manager) Status(id TransactionID) (TransactionStatus, error) {
	st := m.lookup(id)
	if st == nil {
		return TransactionStatus{}, ErrTransactionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return TransactionStatus{
		ID:       st.id,
		Kind:     st.kind,
		Tools:    slices.Clone(st.tools),
		Finished: st.finished,
		Err:      st.err,
	}, nil
}

// Wait blocks until transaction id ends.
func (m *Manager) Wait(ctx context.Context, id TransactionID) error {
	st := m.lookup(id)
	if st == nil {
		return ErrTransactionNotFound
	}
	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// AreAllToolsValid implements Service.
func (m *Manager) AreAllToolsValid(ids []core.ToolID) bool {
	return m.all(ids, func(rec Record) bool { return rec.Valid() })
}

// AreAllToolsDownloaded implements Service.
func (m *Manager) AreAllToolsDownloaded(ids []core.ToolID) bool {
	return m.all(ids, func(rec Record) bool { return rec.Downloaded })
}

// AreAllToolsInstalled implements Service.
func (m *Manager) AreAllToolsInstalled(ids []core.ToolID) bool {
	return m.all(ids, func(rec Record) bool { return rec.Installed })
}

func (m *Manager) all(ids []core.ToolID, pred func(Record) bool) bool {
	ctx := context.Background()
	for _, id := range ids {
		rec, ok, err := m.store.Get(ctx, id)
		if err != nil {
			m.logger.Warn("tool lookup failed", "tool", id, "error", err)
			return false
		}
		if !ok || !pred(rec) {
			return false
		}
	}
	return true
}

// ReloadTools implements Service. Entries whose version and source are
// unchanged keep their download and install state.
func (m *Manager) ReloadTools(ctx context.Context, itemID core.ItemID) error {
	started := time.Now()
	tools, invalid, err := m.reload(ctx, itemID)
	emitReloadObservation(ReloadObservation{
		ItemID:     itemID,
		Tools:      tools,
		Invalid:    invalid,
		DurationMS: time.Since(started).Milliseconds(),
		ErrorCode:  ErrorCode(err),
	})
	if err != nil {
		return err
	}
	m.logger.Debug("tool catalog reloaded", "item_id", itemID, "tools", tools, "invalid", invalid)
	return nil
}

func (m *Manager) reload(ctx context.Context, itemID core.ItemID) (int, int, error) {
	tools, err := m.catalog.Tools(ctx, itemID)
	if err != nil {
		return 0, 0, newToolError(ToolErrorCodeReloadFailed, "", true, err)
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	invalid := 0
	now := time.Now().UTC()
	for _, t := range tools {
		if !t.Valid() {
			invalid++
		}
		if t.ID == "" {
			continue
		}
		rec := Record{Tool: t, UpdatedAt: now}
		existing, ok, err := m.store.Get(ctx, t.ID)
		if err != nil {
			return len(tools), invalid, newToolError(ToolErrorCodeReloadFailed, "", false, err)
		}
		if ok && existing.Version == t.Version && existing.Source == t.Source {
			rec.Downloaded = existing.Downloaded
			rec.Installed = existing.Installed
			rec.Path = existing.Path
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			return len(tools), invalid, newToolError(ToolErrorCodeReloadFailed, "", false, err)
		}
	}
	return len(tools), invalid, nil
}

// Tools returns the registry contents.
func (m *Manager) Tools(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

// Close cancels every running transaction and waits for them to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.txs = make(map[TransactionID]*txState)
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Service = (*Manager)(nil)
