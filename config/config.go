// Package config loads depot.yaml: the worker, storage, logging and
// telemetry settings plus the declared tool catalog and items.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/depot/bus"
	"github.com/petal-labs/depot/core"
	"github.com/petal-labs/depot/item"
	"github.com/petal-labs/depot/tool"
)

const (
	projectConfigName = "depot.yaml"
	homeConfigDir     = ".depot"
	homeConfigName    = "config.yaml"
)

// Config is the parsed shape of depot.yaml.
type Config struct {
	// Workers is the compression pool size. Default: 4.
	Workers int `yaml:"workers"`
	// Level is the zstd level of saved archives (0 stores, 1-4).
	// Default: 2.
	Level *int `yaml:"level"`
	// PauseOnError pauses an item on errors instead of rolling it back.
	PauseOnError bool `yaml:"pause_on_error"`
	// DataDir holds downloaded archives. Default: ~/.depot/data.
	DataDir string `yaml:"data_dir"`
	// Database is the SQLite file backing items, tools and the event
	// journal. Empty keeps everything in memory.
	Database string `yaml:"database"`

	Log       LogConfig       `yaml:"log"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tools     ToolsConfig     `yaml:"tools"`
	Items     []ItemConfig    `yaml:"items"`

	// path is the file the config was loaded from.
	path string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// JournalConfig bounds the runs kept by the event journal.
type JournalConfig struct {
	// KeepRuns keeps this many finished runs per item (0 = all).
	KeepRuns int `yaml:"keep_runs"`
	// MaxAge drops finished runs older than this, e.g. "720h" (0 = forever).
	MaxAge time.Duration `yaml:"max_age"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// ToolsConfig declares the tool catalog and where payloads go.
type ToolsConfig struct {
	// ReloadSchedule is a UTC cron expression for catalog reloads. Empty
	// disables scheduled reloads.
	ReloadSchedule string `yaml:"reload_schedule"`
	// CacheDir receives fetched payloads. Default: <data_dir>/tools/cache.
	CacheDir string `yaml:"cache_dir"`
	// InstallDir receives installed payloads. Default: <data_dir>/tools/installed.
	InstallDir string            `yaml:"install_dir"`
	Catalog    []ToolDeclaration `yaml:"catalog"`
}

// ToolDeclaration is one catalog entry.
type ToolDeclaration struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name,omitempty"`
	Version string   `yaml:"version,omitempty"`
	Source  string   `yaml:"source"`
	Items   []string `yaml:"items,omitempty"`
	Retry   struct {
		MaxAttempts int    `yaml:"max_attempts,omitempty"`
		Backoff     string `yaml:"backoff,omitempty"`
	} `yaml:"retry,omitempty"`
}

// ItemConfig declares one content item.
type ItemConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name,omitempty"`
	Branch         uint32   `yaml:"branch"`
	Build          uint32   `yaml:"build"`
	Tools          []string `yaml:"tools,omitempty"`
	Preorder       bool     `yaml:"preorder,omitempty"`
	InstallComplex bool     `yaml:"install_complex,omitempty"`
	// Source is the archive of the current build.
	Source     string `yaml:"source"`
	InstallDir string `yaml:"install_dir"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string { return c.path }

// Discover resolves the config location with first-match semantics:
// explicitPath, then ./depot.yaml, then ~/.depot/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	explicit := strings.TrimSpace(explicitPath) != ""
	if explicit {
		candidates = append(candidates, filepath.Clean(strings.TrimSpace(explicitPath)))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and parses the configuration. Without a file it returns
// Default().
func Load(explicitPath string) (*Config, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile parses the file at path, applies defaults and validates the
// result. Relative paths inside the file resolve against its directory and
// $VARS are expanded.
func LoadFile(path string) (*Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML. Relative paths resolve against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg.expand(baseDir)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expand(baseDir string) {
	resolve := func(p string) string {
		p = strings.TrimSpace(os.ExpandEnv(p))
		if p == "" || p == ":memory:" {
			return p
		}
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if filepath.IsAbs(p) || baseDir == "" {
			return filepath.Clean(p)
		}
		return filepath.Join(baseDir, p)
	}

	c.DataDir = resolve(c.DataDir)
	c.Database = resolve(c.Database)
	c.Tools.CacheDir = resolve(c.Tools.CacheDir)
	c.Tools.InstallDir = resolve(c.Tools.InstallDir)
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(c.Telemetry.OTLPEndpoint)
	for i := range c.Tools.Catalog {
		c.Tools.Catalog[i].Source = resolve(c.Tools.Catalog[i].Source)
	}
	for i := range c.Items {
		c.Items[i].Source = resolve(c.Items[i].Source)
		c.Items[i].InstallDir = resolve(c.Items[i].InstallDir)
	}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Level == nil {
		level := 2
		c.Level = &level
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, homeConfigDir, "data")
		} else {
			c.DataDir = filepath.Join(os.TempDir(), "depot")
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "depot"
	}
	if c.Tools.CacheDir == "" {
		c.Tools.CacheDir = filepath.Join(c.DataDir, "tools", "cache")
	}
	if c.Tools.InstallDir == "" {
		c.Tools.InstallDir = filepath.Join(c.DataDir, "tools", "installed")
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Level != nil && (*c.Level < 0 || *c.Level > 4) {
		errs = append(errs, fmt.Errorf("level must be between 0 and 4, got %d", *c.Level))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Journal.KeepRuns < 0 {
		errs = append(errs, fmt.Errorf("journal.keep_runs must not be negative, got %d", c.Journal.KeepRuns))
	}
	if c.Journal.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("journal.max_age must not be negative, got %s", c.Journal.MaxAge))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %v", c.Telemetry.SampleRatio))
	}
	if c.Tools.ReloadSchedule != "" {
		if _, err := tool.ParseSchedule(c.Tools.ReloadSchedule); err != nil {
			errs = append(errs, fmt.Errorf("tools.reload_schedule: %w", err))
		}
	}

	toolIDs := make(map[string]bool, len(c.Tools.Catalog))
	for i, decl := range c.Tools.Catalog {
		id := strings.TrimSpace(decl.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("tools.catalog[%d]: id is required", i))
		case toolIDs[id]:
			errs = append(errs, fmt.Errorf("tools.catalog[%d]: duplicate tool %q", i, id))
		}
		toolIDs[id] = true
		if strings.TrimSpace(decl.Source) == "" {
			errs = append(errs, fmt.Errorf("tool %q: source is required", id))
		}
		if decl.Retry.Backoff != "" {
			if _, err := time.ParseDuration(decl.Retry.Backoff); err != nil {
				errs = append(errs, fmt.Errorf("tool %q: retry.backoff: %w", id, err))
			}
		}
	}

	itemIDs := make(map[string]bool, len(c.Items))
	for i, decl := range c.Items {
		id := strings.TrimSpace(decl.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("items[%d]: id is required", i))
		case itemIDs[id]:
			errs = append(errs, fmt.Errorf("items[%d]: duplicate item %q", i, id))
		}
		itemIDs[id] = true
		if decl.InstallDir == "" {
			errs = append(errs, fmt.Errorf("item %q: install_dir is required", id))
		}
		if decl.Source == "" && !decl.Preorder {
			errs = append(errs, fmt.Errorf("item %q: source is required", id))
		}
	}
	return errors.Join(errs...)
}

// DatabaseDSN returns the SQLite connection string of Database. Stores open
// their own connections to the file, so writers wait on each other instead
// of failing with SQLITE_BUSY.
func (c *Config) DatabaseDSN() string {
	if c.Database == "" || c.Database == ":memory:" {
		return c.Database
	}
	return "file:" + filepath.ToSlash(c.Database) + "?_pragma=busy_timeout(5000)"
}

// JournalRetention returns the retention policy of the event journal.
func (c *Config) JournalRetention() bus.Retention {
	return bus.Retention{KeepRuns: c.Journal.KeepRuns, MaxAge: c.Journal.MaxAge}
}

// CompressionLevel returns the configured archive level.
func (c *Config) CompressionLevel() int {
	if c.Level == nil {
		return 2
	}
	return *c.Level
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
	}
	return level, nil
}

// ToolCatalog converts the declared catalog.
func (c *Config) ToolCatalog() tool.StaticCatalog {
	out := make(tool.StaticCatalog, 0, len(c.Tools.Catalog))
	for _, decl := range c.Tools.Catalog {
		t := tool.Tool{
			ID:      core.ToolID(strings.TrimSpace(decl.ID)),
			Name:    decl.Name,
			Version: decl.Version,
			Source:  decl.Source,
			Retry:   tool.RetryPolicy{MaxAttempts: decl.Retry.MaxAttempts},
		}
		if d, err := time.ParseDuration(decl.Retry.Backoff); err == nil {
			t.Retry.BackoffMS = int(d.Milliseconds())
		}
		for _, id := range decl.Items {
			t.Items = append(t.Items, core.ItemID(id))
		}
		out = append(out, t)
	}
	return out
}

// ItemInfos converts the declared items.
func (c *Config) ItemInfos() []item.Info {
	out := make([]item.Info, 0, len(c.Items))
	for _, decl := range c.Items {
		info := item.Info{
			ID:         core.ItemID(strings.TrimSpace(decl.ID)),
			Name:       decl.Name,
			InstallDir: decl.InstallDir,
			Branch: item.Branch{
				ID:       core.Branch(decl.Branch),
				Build:    core.Build(decl.Build),
				Preorder: decl.Preorder,
				Source:   decl.Source,
			},
		}
		for _, id := range decl.Tools {
			info.Branch.Tools = append(info.Branch.Tools, core.ToolID(id))
		}
		if decl.InstallComplex {
			info.Flags |= item.FlagInstallComplex
		}
		out = append(out, info)
	}
	return out
}
