package tool

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/petal-labs/depot/core"
)

// RetryPolicy controls how often a failed fetch is retried.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffMS   int `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
}

// Tool is one entry of the tool catalog.
type Tool struct {
	ID      core.ToolID `json:"id" yaml:"id"`
	Name    string      `json:"name,omitempty" yaml:"name,omitempty"`
	Version string      `json:"version,omitempty" yaml:"version,omitempty"`
	// Source locates the tool payload (a local path for FileFetcher).
	Source string `json:"source" yaml:"source"`
	// Items lists the items that require this tool. Empty means any item.
	Items []core.ItemID `json:"items,omitempty" yaml:"items,omitempty"`
	Retry RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Valid reports whether the tool carries enough information to be acquired.
func (t Tool) Valid() bool {
	return strings.TrimSpace(string(t.ID)) != "" && strings.TrimSpace(t.Source) != ""
}

// UsedBy reports whether the tool applies to itemID. An empty itemID matches
// every tool.
func (t Tool) UsedBy(itemID core.ItemID) bool {
	if itemID == "" || len(t.Items) == 0 {
		return true
	}
	return slices.Contains(t.Items, itemID)
}

// Record is a registry entry: a catalog tool plus its local acquisition state.
type Record struct {
	Tool

	Downloaded bool      `json:"downloaded"`
	Installed  bool      `json:"installed"`
	Path       string    `json:"path,omitempty"` // cached payload
	UpdatedAt  time.Time `json:"updated_at"`
}

func cloneRecord(rec Record) Record {
	rec.Items = slices.Clone(rec.Items)
	return rec
}

// Catalog lists the tools known to the backend for an item.
type Catalog interface {
	Tools(ctx context.Context, itemID core.ItemID) ([]Tool, error)
}

// CatalogFunc adapts a function to the Catalog interface.
type CatalogFunc func(ctx context.Context, itemID core.ItemID) ([]Tool, error)

// Tools calls f.
func (f CatalogFunc) Tools(ctx context.Context, itemID core.ItemID) ([]Tool, error) {
	return f(ctx, itemID)
}

// StaticCatalog serves a fixed tool list, usually the one declared in the
// configuration file.
type StaticCatalog []Tool

// Tools returns the entries used by itemID.
func (c StaticCatalog) Tools(ctx context.Context, itemID core.ItemID) ([]Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Tool, 0, len(c))
	for _, t := range c {
		if t.UsedBy(itemID) {
			out = append(out, t)
		}
	}
	return out, nil
}
