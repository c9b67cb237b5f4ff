// Package item holds the read model of content items (their current branch,
// declared tools and status flags) and the stores that persist it.
package item

import (
	"context"
	"slices"
	"strings"

	"github.com/petal-labs/depot/core"
)

// Flag is a status bit of an item.
type Flag uint32

const (
	FlagInstalled Flag = 1 << iota
	FlagDownloading
	FlagInstalling
	FlagUpdating
	FlagPreloaded
	FlagPaused
	FlagError
	// FlagInstallComplex selects the staged install path.
	FlagInstallComplex
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagInstalled, "installed"},
	{FlagDownloading, "downloading"},
	{FlagInstalling, "installing"},
	{FlagUpdating, "updating"},
	{FlagPreloaded, "preloaded"},
	{FlagPaused, "paused"},
	{FlagError, "error"},
	{FlagInstallComplex, "install_complex"},
}

// Has reports whether all bits of f are set.
func (fl Flag) Has(f Flag) bool {
	return fl&f == f
}

// String lists the set flags joined by "|", or "none".
func (fl Flag) String() string {
	var names []string
	for _, fn := range flagNames {
		if fl.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlag returns the flag with the given name.
func ParseFlag(name string) (Flag, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}

// Branch is the release branch an item currently tracks.
type Branch struct {
	ID       core.Branch
	Build    core.Build
	Tools    []core.ToolID
	Preorder bool
	// Source is the archive location (path or URL) of this build.
	Source string
}

// Info describes one content item.
type Info struct {
	ID         core.ItemID
	Name       string
	InstallDir string
	Branch     Branch
	Flags      Flag
	Percent    uint8
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	i.Branch.Tools = slices.Clone(i.Branch.Tools)
	return i
}

// Store reads items and updates their progress and status flags. Get returns
// a core.Error with code BADID for unknown ids.
type Store interface {
	Get(ctx context.Context, id core.ItemID) (Info, error)
	List(ctx context.Context) ([]Info, error)
	Put(ctx context.Context, info Info) error
	SetPercent(ctx context.Context, id core.ItemID, percent uint8) error
	AddFlags(ctx context.Context, id core.ItemID, flags Flag) error
	DelFlags(ctx context.Context, id core.ItemID, flags Flag) error
}

func badID(id core.ItemID) error {
	return core.NewError(core.ErrBadID, "item %q not found", id)
}
