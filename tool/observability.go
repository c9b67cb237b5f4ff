package tool

import (
	"sync"

	"github.com/petal-labs/depot/core"
)

// TransactionObservation captures the outcome of one download or install transaction.
type TransactionObservation struct {
	TransactionID TransactionID
	Kind          TransactionKind
	Tools         int
	DurationMS    int64
	Success       bool
	ErrorCode     string
}

// FetchObservation captures one payload fetch attempt sequence for a tool.
type FetchObservation struct {
	ToolID     core.ToolID
	Attempts   int
	Bytes      uint64
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// RetryObservation captures one retried fetch attempt.
type RetryObservation struct {
	ToolID    core.ToolID
	Attempt   int
	ErrorCode string
}

// ReloadObservation captures one catalog reload.
type ReloadObservation struct {
	ItemID     core.ItemID
	Tools      int
	Invalid    int
	DurationMS int64
	ErrorCode  string
}

// Observer receives tool-level observability events.
type Observer interface {
	ObserveTransaction(observation TransactionObservation)
	ObserveFetch(observation FetchObservation)
	ObserveRetry(observation RetryObservation)
	ObserveReload(observation ReloadObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveTransaction(TransactionObservation) {}
func (noopObserver) ObserveFetch(FetchObservation)             {}
func (noopObserver) ObserveRetry(RetryObservation)             {}
func (noopObserver) ObserveReload(ReloadObservation)           {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide tool observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func currentObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return activeObserver
}

func emitTransactionObservation(observation TransactionObservation) {
	currentObserver().ObserveTransaction(observation)
}

func emitFetchObservation(observation FetchObservation) {
	currentObserver().ObserveFetch(observation)
}

func emitRetryObservation(observation RetryObservation) {
	currentObserver().ObserveRetry(observation)
}

func emitReloadObservation(observation ReloadObservation) {
	currentObserver().ObserveReload(observation)
}
