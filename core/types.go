// Package core provides the foundational types shared by depot packages.
//
// This package contains:
//   - Identifiers: ItemID, ToolID, Branch, Build
//   - Lifecycle tags: Stage
//   - Notification payloads: Progress, ProviderEvent
//   - The structured Error used across package boundaries
package core

import "fmt"

// ItemID identifies a content item (game, mod, tool bundle...).
type ItemID string

// String returns the string representation of the ItemID.
func (id ItemID) String() string {
	return string(id)
}

// ToolID identifies an auxiliary tool an item depends on.
type ToolID string

// String returns the string representation of the ToolID.
func (id ToolID) String() string {
	return string(id)
}

// Branch identifies a release branch of an item.
type Branch uint32

// Build identifies a build within a branch.
type Build uint32

// Stage identifies one phase of an item's lifecycle.
type Stage string

const (
	StageNone           Stage = "none"
	StageDownload       Stage = "download"
	StageToolDownload   Stage = "tool_download"
	StageInstall        Stage = "install"
	StageInstallComplex Stage = "install_complex"
	StageSave           Stage = "save"
	StageComplete       Stage = "complete"
)

// String returns the string representation of the Stage.
func (s Stage) String() string {
	return string(s)
}

// ProgressFlag marks notable points of a transfer.
type ProgressFlag uint8

const (
	// ProgressInitFinished is set once the transfer has finished its setup
	// phase (header parsed, providers resolved) and can be paused safely.
	ProgressInitFinished ProgressFlag = 1 << iota

	// ProgressFinalizing is set once the transfer is writing its final
	// artifact and can no longer be paused.
	ProgressFinalizing
)

// Progress is published by transfers and worker pools.
type Progress struct {
	Done    uint64       // bytes completed
	Total   uint64       // bytes expected
	Percent uint8        // 0-100
	Flags   ProgressFlag // optional milestone flags
}

// Has reports whether all of the given flags are set.
func (p Progress) Has(flag ProgressFlag) bool {
	return p.Flags&flag == flag
}

// NewProgress builds a Progress with the percentage derived from done/total.
func NewProgress(done, total uint64) Progress {
	return Progress{
		Done:    done,
		Total:   total,
		Percent: Percent(done, total),
	}
}

// Percent returns done/total as an integer percentage clamped to 0-100.
func Percent(done, total uint64) uint8 {
	if total == 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return uint8(done * 100 / total)
}

// String formats progress as "done/total (percent%)".
func (p Progress) String() string {
	return fmt.Sprintf("%d/%d (%d%%)", p.Done, p.Total, p.Percent)
}

// ProviderAction tells whether a content provider joined or left a transfer.
type ProviderAction string

const (
	ProviderAdd    ProviderAction = "add"
	ProviderRemove ProviderAction = "remove"
)

// ProviderEvent is published when the set of providers serving a transfer changes.
type ProviderEvent struct {
	Action ProviderAction
	Name   string
	URL    string
}
