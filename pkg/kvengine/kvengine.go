// Package kvengine is the public import surface for embedding a bucket
// engine in a host process. It is a thin wrapper over internal/engine:
// no logic lives here, only a capability-set interface (Bucket) and the
// type aliases a host needs to call it without reaching into internal/.
//
// Grounded on the teacher's pkg/cache_engine.go, which plays the same
// role for internal/cache's V3CacheManager: a public package that
// re-exports a config type and a handful of methods, and otherwise
// delegates everything to the internal implementation.
package kvengine

import (
	"context"

	"github.com/nexacache/kvengine/internal/dcp"
	"github.com/nexacache/kvengine/internal/engine"
	"github.com/nexacache/kvengine/internal/execpool"
	"github.com/nexacache/kvengine/internal/item"
	"github.com/nexacache/kvengine/internal/vbucket"
)

// Pool is the process-wide background task runner a host builds exactly
// once and hands into every Open call (SPEC_FULL.md §5 "Scheduling model",
// §9 Design Note on ExecutorPool::get()). Re-exported so a host never
// needs to import internal/execpool directly.
type Pool = execpool.Pool

// NewPool starts a Pool with the given number of worker goroutines and
// queue depth. workers <= 0 defaults to 4, queueDepth <= 0 defaults to 256.
func NewPool(workers, queueDepth int) *Pool { return execpool.New(workers, queueDepth) }

// Config configures a bucket engine (SPEC_FULL.md §6 config table).
type Config = engine.Config

// DefaultConfig returns the documented defaults for every option a host
// does not set explicitly.
func DefaultConfig() Config { return engine.DefaultConfig() }

// Code is the closed error-kind set (SPEC_FULL.md §7) that crosses the
// facade boundary. Zero value is Success.
type Code = engine.Code

const (
	Success          = engine.Success
	NoSuchKey        = engine.NoSuchKey
	KeyExists        = engine.KeyExists
	TooBig           = engine.TooBig
	NoMemory         = engine.NoMemory
	TemporaryFailure = engine.TemporaryFailure
	NotMyVBucket     = engine.NotMyVBucket
	Locked           = engine.Locked
	NotLocked        = engine.NotLocked
	WouldBlock       = engine.WouldBlock
	Disconnect       = engine.Disconnect
	PredicateFailed  = engine.PredicateFailed
	Rollback         = engine.Rollback
	Failed           = engine.Failed
)

// Re-exported item-level vocabulary so a host never imports internal/item
// directly.
type (
	Item     = item.Item
	View     = item.View
	Filter   = item.Filter
	StoreOp  = item.StoreOp
	DocState = item.DocState
)

const (
	FilterAlive          = item.FilterAlive
	FilterAliveOrDeleted = item.FilterAliveOrDeleted

	OpAdd     = item.OpAdd
	OpSet     = item.OpSet
	OpReplace = item.OpReplace
	OpAppend  = item.OpAppend
	OpPrepend = item.OpPrepend
	OpCas     = item.OpCas

	StateAlive = item.StateAlive

	DatatypeRaw = item.DatatypeRaw
)

// VBucketState is the per-vbucket gate state (SPEC_FULL.md §3 "VBucket
// info").
type VBucketState = vbucket.State

const (
	VBucketActive  = vbucket.Active
	VBucketReplica = vbucket.Replica
	VBucketPending = vbucket.Pending
	VBucketDead    = vbucket.Dead
)

// StatPair is one (name, value) pair emitted by GetStats; Value is
// always text, matching the memcached stats wire protocol.
type StatPair = engine.StatPair

// Bucket is the capability set a host process is handed back by Open:
// every operation the Engine API table (SPEC_FULL.md §6) names, plus
// StartScrub, DCP and UUID. A host drives the wire protocol and DCP transport; this
// interface is the only way it touches the storage engine itself.
type Bucket interface {
	Allocate(ctx context.Context, key, value []byte, flags, exptime uint32, datatype uint8, vbid uint16) (*Item, Code)
	Store(ctx context.Context, it *Item, cas uint64, op StoreOp, docState DocState, vbid uint16) (uint64, Code)
	Get(ctx context.Context, key []byte, vbid uint16, filter Filter) (View, Code)
	GetLocked(ctx context.Context, key []byte, vbid uint16, timeout uint32) (View, Code)
	GetAndTouch(ctx context.Context, key []byte, vbid uint16, newExptime uint32) (View, Code)
	GetMeta(ctx context.Context, key []byte, vbid uint16) (View, Code)
	Delete(ctx context.Context, key []byte, cas uint64, vbid uint16) Code
	Unlock(ctx context.Context, key []byte, cas uint64, vbid uint16) Code
	Flush(ctx context.Context) Code
	GetStats(subkey string, emit func(StatPair)) Code
	SetVBucketState(ctx context.Context, vbid uint16, state VBucketState) Code
	StartScrub(ctx context.Context) Code

	// UnknownCommand implements the "unknown_command" op (SPEC_FULL.md §6)
	// for any opcode the host's wire-protocol dispatcher cannot map to one
	// of the typed ops above.
	UnknownCommand(ctx context.Context, opcode uint8) Code

	// DCP returns the passive replication consumer bound to this bucket,
	// so a host can wire it to its own DCP producer connection (Deliver
	// inbound messages, drain Outbox, call Step on its event loop tick).
	DCP() *dcp.Consumer

	// UUID returns the bucket identifier advertised in get_stats "uuid".
	UUID() string
}

// Open constructs a bucket engine from cfg. The returned Bucket owns its
// own slab allocator, item store, vbucket gate and DCP consumer; nothing
// is shared across buckets (SPEC_FULL.md §5 "Shared resources"). pool is
// the process-wide task runner built once via NewPool and shared by every
// bucket's scrubber and DCP processor; nil is accepted for tests and
// tools that never drive StartScrub off the request path.
func Open(cfg Config, pool *Pool) (Bucket, error) {
	return engine.New(cfg, pool)
}
