// Package engine is the facade described in SPEC_FULL.md §4.5/§6: argument
// validation, vbucket-gate pass-through for every keyed op, translation
// between internal package error kinds and the closed engine.Code set, and
// get_stats sub-key dispatch.
//
// Grounded on the teacher's MultiTierCacheManager/CacheConfig
// (pkg/cache_engine.go, internal/cache/cache_engine_v3.go): a single struct
// wiring together its collaborators (here: slab allocator, item store,
// vbucket gate, DCP consumer, stats, tracer, logger) behind one small
// method surface, constructed from one normalized config with no package
// globals. The operation surface and get_stats sub-key table are grounded
// on original_source/engines/default_engine/default_engine.cc.
package engine

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexacache/kvengine/internal/dcp"
	"github.com/nexacache/kvengine/internal/execpool"
	"github.com/nexacache/kvengine/internal/item"
	"github.com/nexacache/kvengine/internal/slab"
	"github.com/nexacache/kvengine/internal/stats"
	"github.com/nexacache/kvengine/internal/tracing"
	"github.com/nexacache/kvengine/internal/vbucket"
	"github.com/nexacache/kvengine/internal/xlog"
)

// StatPair is one (name, value) emission for the host's get_stats callback.
// Values are always text, matching the wire-level stats protocol this
// engine sits behind — even a numeric counter crosses this boundary as its
// decimal rendering, never a bare float, so "uuid" and "scrub_running" have
// a natural home alongside "curr_items" instead of needing a separate
// string-stats surface.
type StatPair struct {
	Name  string
	Value string
}

// Engine is one bucket's storage engine: an independent slab allocator,
// item store, vbucket gate, and DCP consumer (SPEC_FULL.md §5 "Shared
// resources": "independent hashes/slabs/stats/streams per bucket"). The
// host constructs one Engine per bucket it opens.
type Engine struct {
	config Config

	slabs *slab.Allocator
	items *item.Store
	vbs   *vbucket.Gate
	dcp   *dcp.Consumer

	stats  *stats.Global
	log    *xlog.Logger
	tracer trace.Tracer

	pool *execpool.Pool
}

// New constructs a bucket engine from a config, normalizing it in place.
// pool is the process-wide internal/execpool.Pool the caller built exactly
// once at startup (SPEC_FULL.md §9 Design Note on ExecutorPool::get()); New
// only stores the handle it is given, it never looks one up globally. A
// nil pool is accepted for tests and one-off tools that never call
// StartScrub off the request path; StartScrub then runs synchronously
// instead of being submitted.
func New(cfg Config, pool *execpool.Pool) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	log := xlog.New("engine."+cfg.UUID, cfg.verboseLevel())
	st := stats.NewGlobal()

	slabs := slab.New(slab.Config{
		CacheSize:   cfg.CacheSize,
		Factor:      cfg.Factor,
		ChunkSize:   cfg.ChunkSize,
		ItemSizeMax: cfg.ItemSizeMax,
		Preallocate: cfg.Preallocate,
	})
	items := item.New(item.Config{
		Slabs:           slabs,
		NumClasses:      slabs.NumClasses(),
		KeepDeleted:     cfg.KeepDeleted,
		EvictionEnabled: cfg.Eviction,
		Log:             log,
		Stats:           st,
		ExpectedItems:   cfg.ExpectedItems,
	})
	vbs := vbucket.New(cfg.IgnoreVBucket, cfg.VB0)
	dcpConsumer := dcp.New(dcp.Config{
		ItemStore:  items,
		VBGate:     vbs,
		BufferSize: cfg.DCPBufferSize,
		Log:        log,
		Stats:      st,
	})

	return &Engine{
		config: cfg,
		slabs:  slabs,
		items:  items,
		vbs:    vbs,
		dcp:    dcpConsumer,
		stats:  st,
		log:    log,
		tracer: tracing.GetTracer("facade"),
		pool:   pool,
	}, nil
}

// now is the one place wall-clock time enters this bucket's operations;
// every internal/item and internal/dcp call takes it as an explicit
// parameter instead of calling time.Now() itself, so the facade is the sole
// non-deterministic edge.
func (e *Engine) now() uint32 { return uint32(time.Now().Unix()) }

// DCP exposes the bucket's DCP consumer for the host's connection layer to
// drive (Deliver inbound frames, drain Outbox, call Step on a timer). The
// wire-protocol connection itself is an out-of-scope external collaborator
// (SPEC_FULL.md §1); this is the seam it plugs into.
func (e *Engine) DCP() *dcp.Consumer { return e.dcp }

// UUID returns the bucket identifier (config or generated default).
func (e *Engine) UUID() string { return e.config.UUID }

func vbAttr(vbid uint16) attribute.KeyValue { return attribute.Int("vbid", int(vbid)) }

// Allocate implements the "allocate" engine op (SPEC_FULL.md §6): "key,
// nbytes, flags, exptime, datatype, vbid -> opaque item handle".
func (e *Engine) Allocate(ctx context.Context, key, value []byte, flags, exptime uint32, datatype uint8, vbid uint16) (*item.Item, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.allocate", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return nil, NotMyVBucket
	}
	it, code := e.items.Allocate(key, value, flags, exptime, datatype)
	ec := translateItemCode(code)
	if !ec.OK() {
		span.SetAttributes(attribute.String("outcome", ec.String()))
	}
	return it, ec
}

// Store implements "store" (SPEC_FULL.md §6): it must come from a prior
// Allocate call against the same Engine.
func (e *Engine) Store(ctx context.Context, it *item.Item, cas uint64, op item.StoreOp, docState item.DocState, vbid uint16) (uint64, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.store", vbAttr(vbid), attribute.Int("op", int(op)))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return 0, NotMyVBucket
	}
	newCAS, code := e.items.Store(it, cas, op, docState, e.now())
	ec := translateItemCode(code)
	if !ec.OK() {
		span.SetAttributes(attribute.String("outcome", ec.String()))
	}
	return newCAS, ec
}

// Get implements "get" (SPEC_FULL.md §6).
func (e *Engine) Get(ctx context.Context, key []byte, vbid uint16, filter item.Filter) (item.View, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.get", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return item.View{}, NotMyVBucket
	}
	v, code := e.items.Get(key, filter, e.now())
	return v, translateItemCode(code)
}

// GetLocked implements "get_locked" (SPEC_FULL.md §6). Per the
// open-question resolution in SPEC_FULL.md §4.3, get_locked passes through
// the vbucket gate exactly like every other keyed op — the asymmetric
// exemption in the original is not reproduced.
func (e *Engine) GetLocked(ctx context.Context, key []byte, vbid uint16, timeout uint32) (item.View, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.get_locked", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return item.View{}, NotMyVBucket
	}
	v, code := e.items.GetLocked(key, timeout, e.now())
	return v, translateItemCode(code)
}

// GetAndTouch implements "get_and_touch" (SPEC_FULL.md §6).
func (e *Engine) GetAndTouch(ctx context.Context, key []byte, vbid uint16, newExptime uint32) (item.View, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.get_and_touch", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return item.View{}, NotMyVBucket
	}
	v, code := e.items.GetAndTouch(key, newExptime, e.now())
	return v, translateItemCode(code)
}

// GetMeta implements "get_meta" (SPEC_FULL.md §6): returns item_info
// regardless of alive/deleted state, which is the metadata-only read
// conflict resolution needs.
func (e *Engine) GetMeta(ctx context.Context, key []byte, vbid uint16) (item.View, Code) {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.get_meta", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return item.View{}, NotMyVBucket
	}
	v, code := e.items.Get(key, item.FilterAliveOrDeleted, e.now())
	return v, translateItemCode(code)
}

// Delete implements "delete" (SPEC_FULL.md §6): store a tombstone in place
// of the live item.
func (e *Engine) Delete(ctx context.Context, key []byte, cas uint64, vbid uint16) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.delete", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return NotMyVBucket
	}
	code := e.items.Unlink(key, cas, e.now())
	ec := translateItemCode(code)
	if !ec.OK() {
		span.SetAttributes(attribute.String("outcome", ec.String()))
	}
	return ec
}

// Unlock implements "unlock" (SPEC_FULL.md §6), gated identically to every
// other keyed op (SPEC_FULL.md §4.3 open-question resolution).
func (e *Engine) Unlock(ctx context.Context, key []byte, cas uint64, vbid uint16) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.unlock", vbAttr(vbid))
	defer span.End()

	if !e.vbs.Admit(vbid) {
		return NotMyVBucket
	}
	return translateItemCode(e.items.Unlock(key, cas, e.now()))
}

// Flush implements "flush" (SPEC_FULL.md §6): discards every item in this
// bucket, gated by nothing (it is bucket-wide, not vbid-scoped).
func (e *Engine) Flush(ctx context.Context) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.flush")
	defer span.End()
	e.items.Flush(e.now())
	return Success
}

// SetVBucketState implements "set_vbucket" (SPEC_FULL.md §6) and, per
// SPEC_FULL.md §4.4.6, closes any live DCP stream for vbid that is no
// longer replica once the transition lands.
func (e *Engine) SetVBucketState(ctx context.Context, vbid uint16, state vbucket.State) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.set_vbucket", vbAttr(vbid))
	defer span.End()
	if !e.vbs.SetState(vbid, state) {
		return Failed
	}
	e.dcp.OnVBucketStateChange(vbid, state)
	return Success
}

// StartScrub kicks off one scrubber pass (SPEC_FULL.md §4.2 "Scrubber").
// When the engine was built with a pool, the pass runs as a background
// task on it instead of the request-handling goroutine, and Success here
// means "submitted", not "finished" — callers poll get_stats("scrub") for
// completion. Without a pool (tests, one-off tools) it runs synchronously.
func (e *Engine) StartScrub(ctx context.Context) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.scrub")
	defer span.End()

	if e.pool == nil {
		return translateItemCode(e.items.StartScrub(e.now()))
	}
	now := e.now()
	if !e.pool.Submit(func(context.Context) { e.items.StartScrub(now) }) {
		return WouldBlock
	}
	return Success
}

// UnknownCommand implements "unknown_command" (SPEC_FULL.md §6): the
// host's wire-protocol dispatcher calls this for any opcode it cannot
// map to one of the typed ops above. The wire-protocol frame parser
// itself is an out-of-scope external collaborator (SPEC_FULL.md §1), so
// this facade has nothing further to delegate to and always reports
// failure rather than silently no-op'ing.
func (e *Engine) UnknownCommand(ctx context.Context, opcode uint8) Code {
	_, span := tracing.StartSpan(ctx, e.tracer, "engine.unknown_command", attribute.Int("opcode", int(opcode)))
	defer span.End()
	span.SetAttributes(attribute.String("outcome", Failed.String()))
	return Failed
}

// GetStats implements "get_stats" (SPEC_FULL.md §4.5/§6): empty key ->
// global counters; "slabs" -> per-class; "items" -> per-class LRU;
// "sizes" -> size histogram; "uuid" -> configured uuid; "scrub" ->
// scrubber state; "dcp" -> consumer-wide DCP counters only, no per-stream
// pairs (SPEC_FULL.md §4.5: supplementing original_source/engines/ep/src/dcp/
// consumer.h's addStats). Unknown sub-keys return no_such_key.
func (e *Engine) GetStats(subkey string, emit func(StatPair)) Code {
	switch subkey {
	case "":
		emitPairs(e.stats.Emit(), emit)
	case "slabs":
		emitPairs(e.slabs.Stats(), emit)
	case "items":
		emitPairs(e.items.Stats(), emit)
	case "sizes":
		emitPairs(e.slabs.Sizes(), emit)
	case "uuid":
		emit(StatPair{Name: "uuid", Value: e.config.UUID})
	case "scrub":
		ss := e.items.ScrubStatsSnapshot()
		emit(StatPair{Name: "scrub_running", Value: strconv.FormatBool(ss.Running)})
		emit(StatPair{Name: "scrub_visited", Value: strconv.Itoa(ss.Visited)})
		emit(StatPair{Name: "scrub_cleaned", Value: strconv.Itoa(ss.Cleaned)})
		emit(StatPair{Name: "scrub_started", Value: strconv.Itoa(ss.Started)})
		emit(StatPair{Name: "scrub_stopped", Value: strconv.Itoa(ss.Stopped)})
	case "dcp":
		emitPairs(e.dcp.Stats(), emit)
	default:
		return NoSuchKey
	}
	return Success
}

func emitPairs(pairs []stats.Pair, emit func(StatPair)) {
	for _, p := range pairs {
		emit(StatPair{Name: p.Name, Value: strconv.FormatFloat(p.Value, 'f', -1, 64)})
	}
}

// translateItemCode crosses item-store outcomes to the facade's closed
// Code set untouched, per SPEC_FULL.md §7 "Propagation: item-store errors
// bubble to the facade untouched."
func translateItemCode(code item.Code) Code {
	switch code {
	case item.OK:
		return Success
	case item.NoSuchKey:
		return NoSuchKey
	case item.KeyExists:
		return KeyExists
	case item.TooBig:
		return TooBig
	case item.NoMemory:
		return NoMemory
	case item.TemporaryFailure:
		return TemporaryFailure
	case item.Locked:
		return Locked
	case item.NotLocked:
		return NotLocked
	case item.Busy:
		return TemporaryFailure
	default:
		return Failed
	}
}
