package dcp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexacache/kvengine/internal/dcpwire"
	"github.com/nexacache/kvengine/internal/item"
	"github.com/nexacache/kvengine/internal/slab"
	"github.com/nexacache/kvengine/internal/stats"
	"github.com/nexacache/kvengine/internal/vbucket"
	"github.com/nexacache/kvengine/internal/xlog"
)

func newSpecConsumer(bufferSize int) (*Consumer, *item.Store) {
	allocator := slab.New(slab.Config{CacheSize: 1 << 20, Factor: 1.25, ChunkSize: 48, ItemSizeMax: 1 << 16})
	store := item.New(item.Config{
		Slabs:           allocator,
		NumClasses:      allocator.NumClasses(),
		EvictionEnabled: true,
		Log:             xlog.New("dcp_spec", xlog.LevelError),
		Stats:           stats.NewGlobal(),
	})
	gate := vbucket.New(false, false)
	c := New(Config{
		ItemStore:  store,
		VBGate:     gate,
		BufferSize: bufferSize,
		Log:        xlog.New("dcp_spec", xlog.LevelError),
		Stats:      stats.NewGlobal(),
	})
	return c, store
}

// Scenario 5 (SPEC_FULL.md §8): a clean session with an in-order snapshot
// delivers all mutations and eventually acks.
var _ = Describe("a passive stream under normal operation", func() {
	It("applies an ordered snapshot and surfaces the mutations via get", func() {
		c, store := newSpecConsumer(256)
		local := c.AddStream(7, 0, 0, 0, 0, 200)
		c.HandleResponse(local, RespSuccess, 0, nil, 0)

		c.Deliver(dcpwire.Message{
			Opcode: dcpwire.OpSnapshotMarker,
			Vbid:   0,
			Extras: dcpwire.EncodeSnapshotMarkerExtras(dcpwire.SnapshotMarkerExtras{StartSeqNo: 100, EndSeqNo: 102, Type: dcpwire.SnapshotStateMemory}),
		}, 0)

		for i, seq := range []dcpwire.SeqNo{100, 101, 102} {
			c.Deliver(dcpwire.Message{
				Opcode: dcpwire.OpMutation,
				Vbid:   0,
				Key:    []byte{byte('a' + i)},
				Value:  []byte("v"),
				Extras: mutationExtras(seq),
			}, 0)
		}

		for c.ready.Len() > 0 {
			c.ProcessOnce(0)
		}

		for i := range []int{0, 1, 2} {
			_, code := store.Get([]byte{byte('a' + i)}, item.FilterAlive, 0)
			Expect(code).To(Equal(item.OK))
		}
		Expect(uint32(c.lastMessageTime.Load())).To(Equal(uint32(0)))
	})

	It("emits a BUFFER_ACK once freed bytes cross bufferSize/4", func() {
		c, _ := newSpecConsumer(40) // tiny budget so one message crosses the threshold
		local := c.AddStream(1, 0, 0, 0, 0, 10)
		c.HandleResponse(local, RespSuccess, 0, nil, 0)
		c.Deliver(dcpwire.Message{
			Opcode: dcpwire.OpSnapshotMarker,
			Vbid:   0,
			Extras: dcpwire.EncodeSnapshotMarkerExtras(dcpwire.SnapshotMarkerExtras{StartSeqNo: 1, EndSeqNo: 1, Type: dcpwire.SnapshotStateMemory}),
		}, 0)
		c.Deliver(dcpwire.Message{
			Opcode: dcpwire.OpMutation,
			Vbid:   0,
			Key:    []byte("k"),
			Value:  []byte("payload-bytes-here"),
			Extras: mutationExtras(1),
		}, 0)

		for c.ready.Len() > 0 {
			c.ProcessOnce(0)
		}

		var acked bool
		for {
			select {
			case msg := <-c.Outbox():
				if msg.Opcode == dcpwire.OpBufferAck {
					acked = true
				}
			default:
				Expect(acked).To(BeTrue())
				return
			}
		}
	})
})

// Scenario 6 (SPEC_FULL.md §8): an ordering violation kills the stream.
var _ = Describe("a passive stream receiving an out-of-order mutation", func() {
	It("transitions to dead and stops applying further messages", func() {
		c, store := newSpecConsumer(256)
		local := c.AddStream(2, 0, 0, 0, 0, 200)
		c.HandleResponse(local, RespSuccess, 0, nil, 0)

		c.Deliver(dcpwire.Message{
			Opcode: dcpwire.OpSnapshotMarker,
			Vbid:   0,
			Extras: dcpwire.EncodeSnapshotMarkerExtras(dcpwire.SnapshotMarkerExtras{StartSeqNo: 100, EndSeqNo: 102, Type: dcpwire.SnapshotStateMemory}),
		}, 0)
		c.Deliver(dcpwire.Message{
			Opcode: dcpwire.OpMutation,
			Vbid:   0,
			Key:    []byte("k"),
			Value:  []byte("v"),
			Extras: mutationExtras(99), // out of [100,102]
		}, 0)

		for c.ready.Len() > 0 {
			c.ProcessOnce(0)
		}

		v, ok := c.byVbid.Load(uint16(0))
		Expect(ok).To(BeTrue())
		st := v.(*Stream)
		Expect(st.State()).To(Equal(StateDead))

		_, code := store.Get([]byte("k"), item.FilterAlive, 0)
		Expect(code).To(Equal(item.NoSuchKey))
	})
})

func mutationExtras(seq dcpwire.SeqNo) []byte {
	buf := make([]byte, 28)
	putUint64(buf[0:], uint64(seq))
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
