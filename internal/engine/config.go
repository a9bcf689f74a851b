package engine

import (
	"github.com/teris-io/shortid"

	"github.com/nexacache/kvengine/internal/xlog"
)

// Config is the typed form of the host's colon/semicolon key-value config
// string (SPEC_FULL.md §6 "Config options"). The host is responsible for
// its own generic parsing (out of scope, §1); it hands in this already
// structured value. Modeled the way the teacher's CacheConfig/V3CacheConfig
// are modeled: a plain struct with documented defaults, validated and
// defaulted in one normalize() step, never read from package globals.
type Config struct {
	CacheSize     int64   // cache_size: total slab budget in bytes
	Factor        float64 // factor: slab-class growth factor
	ChunkSize     int     // chunk_size: smallest class, bytes
	ItemSizeMax   int     // item_size_max: cap per value, bytes
	Preallocate   bool    // preallocate: eagerly distribute the pool
	Eviction      bool    // eviction: enable LRU eviction
	KeepDeleted   bool    // keep_deleted: retain tombstones after store
	IgnoreVBucket bool    // ignore_vbucket: disable the vbucket gate
	VB0           bool    // vb0: mark vbucket 0 active at init
	XattrEnabled  bool    // xattr_enabled: advertise xattr capability
	UUID          string  // uuid: bucket identifier; defaulted if empty
	Verbose       int     // verbose: log verbosity (0..3, maps to xlog.Level)

	// ExpectedItems sizes the item store's negative-lookup cuckoo filter.
	// Not a wire-level config key; a construction-time hint only.
	ExpectedItems uint

	// DCPBufferSize is the conn_buffer_size negotiated for this bucket's
	// DCP consumer (SPEC_FULL.md §4.4.3 "Flow control"). Zero takes the
	// consumer's own default.
	DCPBufferSize int
}

// DefaultConfig returns the documented defaults from SPEC_FULL.md §6 before
// any host overrides are applied.
func DefaultConfig() Config {
	return Config{
		CacheSize:   64 << 20,
		Factor:      1.25,
		ChunkSize:   48,
		ItemSizeMax: 1 << 20,
	}
}

// normalize fills in defaults and clamps out-of-range values in place,
// mirroring the teacher's inline "if config.X == 0 { config.X = default }"
// guards in NewV3CacheManager, collected into one pass instead of scattered
// across the constructor.
func (c *Config) normalize() error {
	def := DefaultConfig()
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.Factor <= 0 {
		c.Factor = def.Factor
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ItemSizeMax <= 0 {
		c.ItemSizeMax = def.ItemSizeMax
	}
	if c.ItemSizeMax > 0 && int64(c.ChunkSize) > int64(c.ItemSizeMax) {
		return errConfigChunkExceedsItemMax
	}
	if c.ExpectedItems == 0 {
		c.ExpectedItems = uint(c.CacheSize / int64(c.ChunkSize))
	}
	if c.Verbose < 0 {
		c.Verbose = 0
	}
	if c.UUID == "" {
		id, err := shortid.Generate()
		if err != nil {
			return wrap(Failed, err, "generate default uuid")
		}
		c.UUID = id
	}
	return nil
}

// verboseLevel maps the config's verbose int (0..3) onto xlog.Level.
func (c *Config) verboseLevel() xlog.Level {
	switch {
	case c.Verbose >= 3:
		return xlog.LevelDebug
	case c.Verbose == 2:
		return xlog.LevelInfo
	case c.Verbose == 1:
		return xlog.LevelWarn
	default:
		return xlog.LevelError
	}
}

var errConfigChunkExceedsItemMax = &configError{"chunk_size exceeds item_size_max"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }
