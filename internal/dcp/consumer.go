package dcp

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nexacache/kvengine/internal/dcpwire"
	"github.com/nexacache/kvengine/internal/execpool"
	"github.com/nexacache/kvengine/internal/item"
	"github.com/nexacache/kvengine/internal/stats"
	"github.com/nexacache/kvengine/internal/vbucket"
	"github.com/nexacache/kvengine/internal/xlog"
)

const (
	// processBatchSize is processBufferedMessagesBatchSize (SPEC_FULL.md
	// §4.4.3): the max messages drained per processor invocation.
	processBatchSize = 32

	defaultIdleTimeout   = 180 // dcpIdleTimeout, seconds
	defaultNoopInterval  = 60  // dcpNoopTxInterval, seconds
)

// ProcessResult is the per-invocation outcome of the processor loop
// (SPEC_FULL.md §4.4.3).
type ProcessResult int

const (
	Idle ProcessResult = iota
	AllProcessed
	MoreToProcess
	CannotProcess
)

// ResponseStatus abstracts the producer's reply to a STREAM_REQ
// (SPEC_FULL.md §4.4.1).
type ResponseStatus int

const (
	RespSuccess ResponseStatus = iota
	RespRollback
	RespKeyEnoent
	RespOtherError
)

// Config wires a Consumer to its per-bucket collaborators.
type Config struct {
	ItemStore  *item.Store
	VBGate     *vbucket.Gate
	BufferSize int // conn_buffer_size negotiated at session start
	Log        *xlog.Logger
	Stats      *stats.Global
}

// Consumer is one DCP passive-stream consumer, one per bucket connection
// to a replication peer (SPEC_FULL.md §4.4). The streams map is read
// lock-free (sync.Map) and locked only for structural add/remove, per §5.
type Consumer struct {
	byOpaque sync.Map // uint32 -> *Stream
	byVbid   sync.Map // uint16  -> *Stream

	nextOpaque atomic.Uint32
	ready      *readyQueue

	itemStore *item.Store
	vbGate    *vbucket.Gate

	bufferSize      int
	freedBytes      atomic.Int64
	ackedBytes      atomic.Int64
	backoffs        atomic.Int64
	lastMessageTime atomic.Int64

	idleTimeout  uint32
	noopInterval uint32
	lastNoop     atomic.Int64

	pendingMu sync.Mutex
	pending   map[ControlKey]string

	outbox chan dcpwire.Message

	log   *xlog.Logger
	stats *stats.Global
}

// ControlKey is a DCP CONTROL negotiation key (SPEC_FULL.md §4.4.5).
type ControlKey int

// The ControlKey values list the fixed emission order of staged CONTROL
// negotiations (SPEC_FULL.md §4.4.5): enable-noop, noop-interval, priority,
// ext-meta, value-compression, cursor-dropping, stream-end-on-client-close.
// The order applies among the controls only; STREAM_REQs are sent by
// AddStream directly and are not held back behind them.
const (
	ControlEnableNoop ControlKey = iota
	ControlNoopInterval
	ControlPriority
	ControlExtMeta
	ControlValueCompression
	ControlCursorDropping
	ControlStreamEndOnClose
)

var controlWireNames = map[ControlKey]string{
	ControlEnableNoop:       "enable_noop",
	ControlNoopInterval:     "set_noop_interval",
	ControlPriority:         "set_priority",
	ControlExtMeta:          "enable_ext_metadata",
	ControlValueCompression: "enable_value_compression",
	ControlCursorDropping:   "supports_cursor_dropping",
	ControlStreamEndOnClose: "send_stream_end_on_client_close_stream",
}

var controlOrder = []ControlKey{
	ControlEnableNoop,
	ControlNoopInterval,
	ControlPriority,
	ControlExtMeta,
	ControlValueCompression,
	ControlCursorDropping,
	ControlStreamEndOnClose,
}

// New constructs a Consumer. outbox is buffered generously since the
// consumer itself never blocks on send; when the outbox is full, send
// drops the message and logs a warning, and nothing else records the drop.
func New(cfg Config) *Consumer {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 20 * 1024 * 1024
	}
	return &Consumer{
		ready:        newReadyQueue(),
		itemStore:    cfg.ItemStore,
		vbGate:       cfg.VBGate,
		bufferSize:   bufSize,
		idleTimeout:  defaultIdleTimeout,
		noopInterval: defaultNoopInterval,
		pending:      make(map[ControlKey]string),
		outbox:       make(chan dcpwire.Message, 256),
		log:          cfg.Log,
		stats:        cfg.Stats,
	}
}

// QueueControl stages a CONTROL negotiation to be emitted, in fixed
// priority order, on the next Step call (SPEC_FULL.md §4.4.5).
func (c *Consumer) QueueControl(key ControlKey, value string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[key] = value
}

// drainControls emits every staged CONTROL negotiation in priority order.
func (c *Consumer) drainControls() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, key := range controlOrder {
		value, ok := c.pending[key]
		if !ok {
			continue
		}
		delete(c.pending, key)
		name := controlWireNames[key]
		c.send(dcpwire.Message{Opcode: dcpwire.OpControl, Key: []byte(name), Value: []byte(value)})
	}
}

// AddStream creates a passive stream in pending and schedules its
// STREAM_REQ for emission (SPEC_FULL.md §4.4.1). Returns the freshly
// assigned local opaque the producer's response will echo back.
func (c *Consumer) AddStream(remoteOpaque uint32, vbid uint16, flags dcpwire.StreamReqFlags, vbUUID dcpwire.VbUuid, startSeqNo, endSeqNo dcpwire.SeqNo) uint32 {
	localOpaque := c.nextOpaque.Add(1)
	st := &Stream{
		vbid:         vbid,
		localOpaque:  localOpaque,
		remoteOpaque: remoteOpaque,
		state:        StatePending,
		vbUUID:       vbUUID,
		startSeqNo:   startSeqNo,
		endSeqNo:     endSeqNo,
	}
	c.byOpaque.Store(localOpaque, st)
	c.byVbid.Store(vbid, st)

	extras := dcpwire.EncodeStreamReqExtras(flags, startSeqNo, endSeqNo, vbUUID, startSeqNo, startSeqNo)
	c.send(dcpwire.Message{Opcode: dcpwire.OpStreamReq, Opaque: localOpaque, Vbid: vbid, Extras: extras})
	return localOpaque
}

// HandleResponse matches a producer reply by local opaque and advances
// the stream's lifecycle (SPEC_FULL.md §4.4.1).
func (c *Consumer) HandleResponse(localOpaque uint32, status ResponseStatus, rollbackSeqNo dcpwire.SeqNo, failoverLog []dcpwire.FailoverEntry, now uint32) {
	v, ok := c.byOpaque.Load(localOpaque)
	if !ok {
		return
	}
	st := v.(*Stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch status {
	case RespSuccess:
		st.state = StateAccepting
		st.failoverLog = failoverLog
		st.failoverIdx = 0
	case RespRollback:
		c.scheduleRollback(st, rollbackSeqNo, now)
	case RespKeyEnoent:
		st.failoverIdx++
		if st.failoverIdx >= len(st.failoverLog) {
			c.closeStreamLocked(st, CloseRollbackExhausted)
			return
		}
		entry := st.failoverLog[st.failoverIdx]
		extras := dcpwire.EncodeStreamReqExtras(0, st.startSeqNo, st.endSeqNo, entry.VbUuid, st.startSeqNo, st.startSeqNo)
		c.send(dcpwire.Message{Opcode: dcpwire.OpStreamReq, Opaque: st.localOpaque, Vbid: st.vbid, Extras: extras})
	case RespOtherError:
		c.closeStreamLocked(st, CloseError)
	}
}

// Deliver hands an inbound data message to its stream's buffer and marks
// the vbid ready for the processor (SPEC_FULL.md §4.4.3). now is the
// caller's wall-clock second count, updating lastMessageTime for the
// liveness check in Step (SPEC_FULL.md §4.4.5).
func (c *Consumer) Deliver(msg dcpwire.Message, now uint32) {
	c.lastMessageTime.Store(int64(now))
	v, ok := c.byVbid.Load(msg.Vbid)
	if !ok {
		return
	}
	st := v.(*Stream)
	st.mu.Lock()
	if st.state == StateDead {
		st.mu.Unlock()
		return
	}
	if st.state == StateAccepting && msg.Opcode == dcpwire.OpSnapshotMarker {
		st.state = StateReading
	}
	st.buffer = append(st.buffer, msg)
	st.bufferBytes += msg.Size()
	st.mu.Unlock()
	c.ready.PushBack(msg.Vbid)
}

// ProcessOnce runs one processor invocation (SPEC_FULL.md §4.4.3
// algorithm, steps 1-5).
func (c *Consumer) ProcessOnce(now uint32) ProcessResult {
	vbid, ok := c.ready.PopFront()
	if !ok {
		return Idle
	}
	v, ok := c.byVbid.Load(vbid)
	if !ok {
		return AllProcessed
	}
	st := v.(*Stream)

	st.mu.Lock()
	if st.state == StateDead {
		st.mu.Unlock()
		return AllProcessed
	}

	freed := 0
	result := AllProcessed
	drained := 0
	for drained < processBatchSize && len(st.buffer) > 0 {
		msg := st.buffer[0]
		code := c.applyLocked(st, msg, now)
		drained++
		if st.state == StateDead {
			// applyLocked closed the stream and dropped its buffer.
			break
		}
		if code == item.TemporaryFailure || code == item.NoMemory {
			result = CannotProcess
			break
		}
		st.buffer = st.buffer[1:]
		sz := msg.Size()
		st.bufferBytes -= sz
		freed += sz
	}
	remaining := len(st.buffer)
	dead := st.state == StateDead
	st.mu.Unlock()

	if freed > 0 {
		c.freedBytes.Add(int64(freed))
	}

	if dead {
		return AllProcessed
	}
	if result != CannotProcess && remaining > 0 {
		result = MoreToProcess
	}

	switch result {
	case MoreToProcess:
		c.ready.PushBack(vbid)
	case CannotProcess:
		c.backoffs.Add(1)
		c.ready.PushBack(vbid)
	}

	if c.freedBytes.Load() >= int64(c.bufferSize/4) {
		c.emitBufferAck()
	}
	return result
}

// ProcessViaPool drains the ready queue by resubmitting ProcessOnce onto
// pool as the single process-wide processor task (SPEC_FULL.md §9 Design
// Note on ExecutorPool::get(), and internal/dcp's package doc: "the worker
// pool is replaced by the single process-wide processor task pulled from
// internal/execpool"). done, if non-nil, is signaled once the queue goes
// idle or the pool stops accepting work.
func (c *Consumer) ProcessViaPool(pool *execpool.Pool, now uint32, done chan<- struct{}) {
	var step execpool.Task
	step = func(context.Context) {
		switch c.ProcessOnce(now) {
		case MoreToProcess, CannotProcess:
			if pool.Submit(step) {
				return
			}
		}
		if done != nil {
			done <- struct{}{}
		}
	}
	if !pool.Submit(step) && done != nil {
		done <- struct{}{}
	}
}

// applyLocked applies one buffered message to the item store. Caller
// holds st.mu.
func (c *Consumer) applyLocked(st *Stream, msg dcpwire.Message, now uint32) item.Code {
	switch msg.Opcode {
	case dcpwire.OpSnapshotMarker:
		m, ok := dcpwire.DecodeSnapshotMarkerExtras(msg.Extras)
		if !ok {
			c.closeStreamLocked(st, CloseError)
			return item.Failed
		}
		st.snapStart = m.StartSeqNo
		st.snapEnd = m.EndSeqNo
		st.sawMarker = true
		return item.OK

	case dcpwire.OpMutation:
		m, ok := dcpwire.DecodeMutationExtras(msg.Extras)
		if !ok || !st.validateSeqNoLocked(m.SeqNo) {
			c.closeStreamLocked(st, CloseDisconnect)
			return item.Failed
		}
		st.lastSeqNo = m.SeqNo
		st.sawFirstApply = true
		it, code := c.itemStore.Allocate(msg.Key, msg.Value, m.Flags, m.Expiry, msg.Datatype)
		if code != item.OK {
			return code
		}
		_, code = c.itemStore.Store(it, 0, item.OpSet, item.StateAlive, now)
		return code

	case dcpwire.OpDeletion, dcpwire.OpExpiration:
		m, ok := dcpwire.DecodeDeletionExtras(msg.Extras)
		if !ok || !st.validateSeqNoLocked(m.SeqNo) {
			c.closeStreamLocked(st, CloseDisconnect)
			return item.Failed
		}
		st.lastSeqNo = m.SeqNo
		st.sawFirstApply = true
		code := c.itemStore.Unlink(msg.Key, 0, now)
		if code == item.NoSuchKey {
			// Nothing to tombstone locally yet; store a zero-value
			// tombstone directly so later get(alive_or_deleted) sees it.
			it, allocCode := c.itemStore.Allocate(msg.Key, nil, 0, 0, item.DatatypeRaw)
			if allocCode != item.OK {
				return allocCode
			}
			_, code = c.itemStore.Store(it, 0, item.OpSet, item.StateDeleted, now)
		}
		return code

	case dcpwire.OpSystemEvent:
		if len(msg.Extras) >= 8 {
			m, _ := dcpwire.DecodeDeletionExtras(msg.Extras)
			if st.validateSeqNoLocked(m.SeqNo) {
				st.lastSeqNo = m.SeqNo
				st.sawFirstApply = true
			}
		}
		return item.OK

	default:
		return item.OK
	}
}

// emitBufferAck sends a BUFFER_ACK once freed bytes cross bufferSize/4
// and resets the counter (SPEC_FULL.md §4.4.3 step 5).
func (c *Consumer) emitBufferAck() {
	n := c.freedBytes.Swap(0)
	c.ackedBytes.Add(n)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	c.send(dcpwire.Message{Opcode: dcpwire.OpBufferAck, Extras: buf})
}

// send enqueues a message for the host connection to write to the wire.
// Non-blocking: when the outbox is full the message is dropped and a
// warning is logged.
func (c *Consumer) send(msg dcpwire.Message) {
	select {
	case c.outbox <- msg:
	default:
		if c.log != nil {
			c.log.Warnf("outbox saturated, dropping opcode %d", msg.Opcode)
		}
	}
}

// Outbox exposes the send queue for the host connection to drain.
func (c *Consumer) Outbox() <-chan dcpwire.Message { return c.outbox }

// closeStreamLocked marks a stream dead and emits STREAM_END. Caller holds
// st.mu.
func (c *Consumer) closeStreamLocked(st *Stream, reason CloseReason) {
	st.state = StateDead
	st.closeReason = reason
	st.buffer = nil
	c.send(dcpwire.Message{Opcode: dcpwire.OpStreamEnd, Vbid: st.vbid, Opaque: st.localOpaque})
}

// CloseStream closes a stream from outside the processor (e.g. a vbucket
// state transition, SPEC_FULL.md §4.4.6).
func (c *Consumer) CloseStream(vbid uint16, reason CloseReason) {
	v, ok := c.byVbid.Load(vbid)
	if !ok {
		return
	}
	st := v.(*Stream)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StateDead {
		c.closeStreamLocked(st, reason)
	}
}

// OnVBucketStateChange implements SPEC_FULL.md §4.4.6: "when a vbucket
// transitions away from replica locally, the consumer closes its stream
// for that vbid with state_changed."
func (c *Consumer) OnVBucketStateChange(vbid uint16, newState vbucket.State) {
	if newState != vbucket.Replica {
		c.CloseStream(vbid, CloseStateChanged)
	}
}

// scheduleRollback handles ROLLBACK(seqno) (SPEC_FULL.md §4.4.4). This
// volatile engine resets the vbucket to empty if seqno == 0, else aborts
// the stream by walking to the next older failover entry. Caller holds
// st.mu.
func (c *Consumer) scheduleRollback(st *Stream, seqNo dcpwire.SeqNo, now uint32) {
	if seqNo == 0 {
		c.itemStore.Flush(now)
		st.lastSeqNo = 0
		st.sawFirstApply = false
		extras := dcpwire.EncodeStreamReqExtras(0, 0, st.endSeqNo, st.vbUUID, 0, 0)
		c.send(dcpwire.Message{Opcode: dcpwire.OpStreamReq, Opaque: st.localOpaque, Vbid: st.vbid, Extras: extras})
		return
	}
	st.failoverIdx++
	if st.failoverIdx >= len(st.failoverLog) {
		c.closeStreamLocked(st, CloseRollbackExhausted)
		return
	}
	entry := st.failoverLog[st.failoverIdx]
	extras := dcpwire.EncodeStreamReqExtras(0, st.startSeqNo, st.endSeqNo, entry.VbUuid, st.startSeqNo, st.startSeqNo)
	c.send(dcpwire.Message{Opcode: dcpwire.OpStreamReq, Opaque: st.localOpaque, Vbid: st.vbid, Extras: extras})
}

// Step drives liveness (SPEC_FULL.md §4.4.5): it closes every stream with
// CloseDisconnect if no inbound message arrived for longer than the idle
// timeout. Otherwise it emits every staged control negotiation in priority
// order, then a NOOP if the noop interval has elapsed since the last one,
// whether or not other messages were sent. STREAM_REQs are not part of
// Step: AddStream and the rollback/failover paths send them as soon as
// they are issued, so they can precede controls staged later. now is the
// caller-supplied wall-clock second count.
func (c *Consumer) Step(now uint32) {
	last := uint32(c.lastMessageTime.Load())
	if now-last > c.idleTimeout {
		c.disconnectAll()
		return
	}

	c.drainControls()

	lastNoop := uint32(c.lastNoop.Load())
	if now-lastNoop >= c.noopInterval {
		c.send(dcpwire.Message{Opcode: dcpwire.OpNoop})
		c.lastNoop.Store(int64(now))
	}
}

func (c *Consumer) disconnectAll() {
	c.byVbid.Range(func(key, value any) bool {
		st := value.(*Stream)
		st.mu.Lock()
		if st.state != StateDead {
			c.closeStreamLocked(st, CloseDisconnect)
		}
		st.mu.Unlock()
		return true
	})
}

// Stats returns (name, value) pairs for get_stats("dcp") (SPEC_FULL.md
// §4.5): the consumer-wide counters total_buffer_bytes (summed over every
// stream's buffer), backoffs and acked_bytes. No per-stream pairs are
// emitted.
func (c *Consumer) Stats() []stats.Pair {
	out := []stats.Pair{
		{Name: "total_buffer_bytes", Value: 0},
		{Name: "backoffs", Value: float64(c.backoffs.Load())},
		{Name: "acked_bytes", Value: float64(c.ackedBytes.Load())},
	}
	total := 0.0
	c.byVbid.Range(func(_, value any) bool {
		st := value.(*Stream)
		st.mu.Lock()
		total += float64(st.bufferBytes)
		st.mu.Unlock()
		return true
	})
	out[0].Value = total
	return out
}

// newNonHotPathError wraps a cause for logging without ever crossing the
// facade boundary as anything but a bare item.Code (SPEC_FULL.md §7
// Ambient note).
func newNonHotPathError(cause error, context string) error {
	return errors.Wrapf(cause, "dcp: %s", context)
}
