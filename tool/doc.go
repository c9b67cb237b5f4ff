// Package tool manages the auxiliary tools an item needs before it can be
// installed (runtimes, redistributables, helper binaries).
//
// The package is split by concern:
//   - tool: catalog entries and their local acquisition state
//   - store: persistence of the tool registry (memory, sqlite)
//   - manager: the Service implementation and its transactions
//   - fetch: payload acquisition and installation
//   - reload scheduler: periodic catalog refresh on a cron schedule
//
// Callers interact through Service; acquisition runs on background goroutines
// and reports back only through the buses of a Transaction.
package tool
