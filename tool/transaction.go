package tool

import (
	"errors"
	"slices"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
)

// ErrTransactionNotFound is returned when a transaction id is unknown or was removed.
var ErrTransactionNotFound = errors.New("tool: transaction not found")

// TransactionID identifies a transaction inside a Service. Zero is never issued.
type TransactionID uint64

// TransactionKind tells whether a transaction only downloads or also installs.
type TransactionKind string

const (
	TransactionDownload TransactionKind = "download"
	TransactionInstall  TransactionKind = "install"
)

// Progress is published on Transaction.Progress while tool payloads are
// fetched. Done and Total count the bytes of the current tool; Percent covers
// the whole transaction.
type Progress struct {
	Tool    core.ToolID
	Percent uint8
	Done    uint64
	Total   uint64
}

// Transaction is a request to acquire a set of tools. Ownership passes to the
// Service that accepts it. Exactly one of Complete or Error is published when
// the transaction ends.
type Transaction struct {
	Tools []core.ToolID

	Complete     bus.Bus[struct{}]
	Progress     bus.Bus[Progress]
	Error        bus.Bus[error]
	StartInstall bus.Bus[struct{}]
}

// NewTransaction creates a transaction for tools.
func NewTransaction(tools ...core.ToolID) *Transaction {
	return &Transaction{Tools: slices.Clone(tools)}
}

// TransactionStatus is a point-in-time view of a transaction.
type TransactionStatus struct {
	ID       TransactionID
	Kind     TransactionKind
	Tools    []core.ToolID
	Finished bool
	Err      error
}
