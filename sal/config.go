package sal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tailscale/hujson"
)

// SyncMode controls post-finalize durability.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncFsync
	SyncMsyncAsync
	SyncMsyncSync
)

// Config is the runtime configuration table, loaded either
// programmatically or from a hujson (JSON-with-comments) document via
// LoadConfig.
type Config struct {
	SegmentSize         uint64        `json:"segment_size"`
	MaxSegments         uint32        `json:"max_segments"`
	MaxMlockedSegments  uint32        `json:"max_mlocked_segments"`
	SyncMode            SyncMode      `json:"sync_mode"`
	ChecksumCommits     bool          `json:"checksum_commits"`
	UpdateChecksumOnMod bool          `json:"update_checksum_on_modify"`
	CacheFrequencyWindow time.Duration `json:"cache_frequency_window_ms"`
	RunCompactor        bool          `json:"run_compactor"`
	RunProvider         bool          `json:"run_provider"`
	RunReadBitDecay     bool          `json:"run_read_bit_decay"`
	CacheOnRead         bool          `json:"cache_on_read"`

	// CompactorFreedThreshold is the freed-byte fraction above which a
	// segment becomes a compaction candidate.
	CompactorFreedThreshold float64 `json:"compactor_freed_threshold"`

	// Cache-difficulty gap-adjustment ratios.
	CacheTightenNum uint64 `json:"cache_tighten_num"`
	CacheTightenDen uint64 `json:"cache_tighten_den"`
	CacheLoosenNum  uint64 `json:"cache_loosen_num"`
	CacheLoosenDen  uint64 `json:"cache_loosen_den"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize:             DefaultSegmentSize,
		MaxSegments:             1 << 16,
		MaxMlockedSegments:      32,
		SyncMode:                SyncMsyncAsync,
		ChecksumCommits:         true,
		UpdateChecksumOnMod:     false,
		CacheFrequencyWindow:    60 * time.Second,
		RunCompactor:            true,
		RunProvider:             true,
		RunReadBitDecay:         true,
		CacheOnRead:             true,
		CompactorFreedThreshold: 0.5,
		CacheTightenNum:         7,
		CacheTightenDen:         8,
		CacheLoosenNum:          9,
		CacheLoosenDen:          8,
	}
}

// Validate checks the configuration's structural constraints: segment_size
// must be a non-zero power of two, max_segments at least 1,
// max_mlocked_segments no larger than max_segments, and
// compactor_freed_threshold in (0,1].
func (c Config) Validate() error {
	if c.SegmentSize == 0 || c.SegmentSize&(c.SegmentSize-1) != 0 {
		return fmt.Errorf("segment_size must be a power of two, got %d: %w", c.SegmentSize, ErrConfiguration)
	}

	if c.MaxSegments == 0 {
		return fmt.Errorf("max_segments must be >= 1: %w", ErrConfiguration)
	}

	if c.MaxMlockedSegments > c.MaxSegments {
		return fmt.Errorf("max_mlocked_segments %d exceeds max_segments %d: %w",
			c.MaxMlockedSegments, c.MaxSegments, ErrConfiguration)
	}

	if c.CompactorFreedThreshold <= 0 || c.CompactorFreedThreshold > 1 {
		return fmt.Errorf("compactor_freed_threshold must be in (0,1]: %w", ErrConfiguration)
	}

	return nil
}

// LoadConfig parses a hujson (JSON with comments and trailing commas)
// document into a Config seeded from DefaultConfig.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w: %w", err, ErrConfiguration)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w: %w", err, ErrConfiguration)
	}

	// cache_frequency_window_ms is a millisecond count in the document.
	var window struct {
		Ms *int64 `json:"cache_frequency_window_ms"`
	}
	if err := json.Unmarshal(standardized, &window); err != nil {
		return Config{}, fmt.Errorf("decode config: %w: %w", err, ErrConfiguration)
	}

	if window.Ms != nil {
		cfg.CacheFrequencyWindow = time.Duration(*window.Ms) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
