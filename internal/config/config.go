// Package config implements the engine's textual key/value configuration
// surface (spec.md §6): JSONC on disk via tailscale/hujson, merged over
// layered defaults the way the teacher's root ticket config does, and
// saved atomically via natefinch/atomic so a crash mid-write never
// leaves a torn config file behind.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

var errInvalidValue = errors.New("invalid config value")

// CacheMode is spec.md §6's cache_mode key.
type CacheMode string

const (
	ModeWritethrough CacheMode = "writethrough"
	ModeWriteback    CacheMode = "writeback"
	ModeWritearound  CacheMode = "writearound"
	ModeNone         CacheMode = "none"
)

// ReplacementPolicy is spec.md §6's cache_replacement_policy key.
type ReplacementPolicy string

const (
	PolicyLRU    ReplacementPolicy = "lru"
	PolicyFIFO   ReplacementPolicy = "fifo"
	PolicyRandom ReplacementPolicy = "random"
)

// TierMax bounds spec.md §6's per-device tier key ("integer
// 0..TIER_MAX-1"); tier 0 is the fastest device class, TierMax-1 the
// slowest, with the backing filesystem itself implicitly below that.
const TierMax = 4

// writebackPercentMax is spec.md §9's "writeback_percent is clamped to
// 0..40 for cached devices only".
const writebackPercentMax = 40

// Engine holds the cache-set-wide keys from spec.md §6's configuration
// surface. Its three boolean keys use *bool rather than bool so a config
// file can explicitly set one to false: a plain bool can't be told apart
// from "key absent, use the default" once JSON-unmarshalled.
type Engine struct {
	CacheMode                 CacheMode         `json:"cache_mode"`
	SequentialCutoff          uint64            `json:"sequential_cutoff"`
	Readahead                 uint32            `json:"readahead"`
	WritebackPercent          int               `json:"writeback_percent"`
	WritebackRunning          *bool             `json:"writeback_running"`
	CongestedReadThresholdUs  uint64            `json:"congested_read_threshold_us"`
	CongestedWriteThresholdUs uint64            `json:"congested_write_threshold_us"`
	IOErrorLimit              uint32            `json:"io_error_limit"`
	IOErrorHalflife           uint32            `json:"io_error_halflife"`
	TieringEnabled            *bool             `json:"tiering_enabled"`
	TieringPercent            int               `json:"tiering_percent"`
	CopyGCEnabled             *bool             `json:"copy_gc_enabled"`
	CacheReplacementPolicy    ReplacementPolicy `json:"cache_replacement_policy"`
}

// Device holds the per-device keys from spec.md §6.
type Device struct {
	Discard bool `json:"discard"`
	Tier    int  `json:"tier"`
}

func boolPtr(b bool) *bool { return &b }

// Config is the full configuration for one cache set: engine-wide keys
// plus one Device entry per attached device, keyed by device name.
type Config struct {
	Engine  Engine            `json:"engine"`
	Devices map[string]Device `json:"devices,omitempty"`
}

// Default returns spec.md's implied defaults: writeback caching, the
// rate controller enabled at a conservative target, LRU replacement, no
// tiering.
func Default() Config {
	return Config{
		Engine: Engine{
			CacheMode:                 ModeWriteback,
			SequentialCutoff:          4 << 20, // 4 MiB
			Readahead:                 0,
			WritebackPercent:          10,
			WritebackRunning:          boolPtr(true),
			CongestedReadThresholdUs:  20_000,
			CongestedWriteThresholdUs: 20_000,
			IOErrorLimit:              8,
			IOErrorHalflife:           60,
			TieringEnabled:            boolPtr(false),
			TieringPercent:            20,
			CopyGCEnabled:             boolPtr(true),
			CacheReplacementPolicy:    PolicyLRU,
		},
		Devices: make(map[string]Device),
	}
}

// Load reads and parses a JSONC config file at path, starting from
// [Default] and overlaying whatever the file sets (mergeEngine below
// only overwrites fields the file specified non-zero, matching the root
// ticket tool's config merge semantics).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JSONC in %s: %w", path, err)
	}

	cfg := Default()

	var fileCfg Config

	if err := json.Unmarshal(standardized, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	cfg = mergeEngine(cfg, fileCfg)

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// mergeEngine overlays overlay's non-zero engine fields and its full
// device map onto base.
func mergeEngine(base, overlay Config) Config {
	e := base.Engine

	if overlay.Engine.CacheMode != "" {
		e.CacheMode = overlay.Engine.CacheMode
	}

	if overlay.Engine.SequentialCutoff != 0 {
		e.SequentialCutoff = overlay.Engine.SequentialCutoff
	}

	if overlay.Engine.Readahead != 0 {
		e.Readahead = overlay.Engine.Readahead
	}

	if overlay.Engine.WritebackPercent != 0 {
		e.WritebackPercent = overlay.Engine.WritebackPercent
	}

	if overlay.Engine.WritebackRunning != nil {
		e.WritebackRunning = overlay.Engine.WritebackRunning
	}

	if overlay.Engine.CongestedReadThresholdUs != 0 {
		e.CongestedReadThresholdUs = overlay.Engine.CongestedReadThresholdUs
	}

	if overlay.Engine.CongestedWriteThresholdUs != 0 {
		e.CongestedWriteThresholdUs = overlay.Engine.CongestedWriteThresholdUs
	}

	if overlay.Engine.IOErrorLimit != 0 {
		e.IOErrorLimit = overlay.Engine.IOErrorLimit
	}

	if overlay.Engine.IOErrorHalflife != 0 {
		e.IOErrorHalflife = overlay.Engine.IOErrorHalflife
	}

	if overlay.Engine.TieringEnabled != nil {
		e.TieringEnabled = overlay.Engine.TieringEnabled
	}

	if overlay.Engine.TieringPercent != 0 {
		e.TieringPercent = overlay.Engine.TieringPercent
	}

	if overlay.Engine.CopyGCEnabled != nil {
		e.CopyGCEnabled = overlay.Engine.CopyGCEnabled
	}

	if overlay.Engine.CacheReplacementPolicy != "" {
		e.CacheReplacementPolicy = overlay.Engine.CacheReplacementPolicy
	}

	base.Engine = e

	if len(overlay.Devices) > 0 {
		if base.Devices == nil {
			base.Devices = make(map[string]Device, len(overlay.Devices))
		}

		for name, dev := range overlay.Devices {
			base.Devices[name] = dev
		}
	}

	return base
}

// Validate enforces spec.md §6's value ranges and enum membership, plus
// §9's writeback_percent clamp for cached devices.
func Validate(cfg Config) error {
	switch cfg.Engine.CacheMode {
	case ModeWritethrough, ModeWriteback, ModeWritearound, ModeNone:
	default:
		return fmt.Errorf("%w: cache_mode %q", errInvalidValue, cfg.Engine.CacheMode)
	}

	switch cfg.Engine.CacheReplacementPolicy {
	case PolicyLRU, PolicyFIFO, PolicyRandom:
	default:
		return fmt.Errorf("%w: cache_replacement_policy %q", errInvalidValue, cfg.Engine.CacheReplacementPolicy)
	}

	if cfg.Engine.WritebackPercent < 0 || cfg.Engine.WritebackPercent > writebackPercentMax {
		return fmt.Errorf("%w: writeback_percent %d not in 0..%d", errInvalidValue, cfg.Engine.WritebackPercent, writebackPercentMax)
	}

	if cfg.Engine.TieringPercent < 0 || cfg.Engine.TieringPercent > 100 {
		return fmt.Errorf("%w: tiering_percent %d not in 0..100", errInvalidValue, cfg.Engine.TieringPercent)
	}

	for name, dev := range cfg.Devices {
		if dev.Tier < 0 || dev.Tier >= TierMax {
			return fmt.Errorf("%w: device %s tier %d not in 0..%d", errInvalidValue, name, dev.Tier, TierMax-1)
		}
	}

	return nil
}

// Save writes cfg to path as indented JSON, atomically (natefinch/atomic:
// write to a temp file in the same directory, then rename over path).
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: save %s: %w", path, err)
	}

	return nil
}
