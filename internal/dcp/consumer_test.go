package dcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacache/kvengine/internal/dcpwire"
	"github.com/nexacache/kvengine/internal/vbucket"
)

func TestAddStreamAssignsMonotoneLocalOpaques(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	a := c.AddStream(1, 0, 0, 0, 0, 10)
	b := c.AddStream(2, 1, 0, 0, 0, 10)
	assert.Less(t, a, b)
}

func TestRollbackToZeroReissuesStreamReq(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	local := c.AddStream(1, 0, 0, 0, 0, 10)
	<-c.Outbox() // drain the initial STREAM_REQ

	c.HandleResponse(local, RespRollback, 0, nil, 0)

	msg := <-c.Outbox()
	assert.Equal(t, dcpwire.OpStreamReq, msg.Opcode)
}

func TestRollbackExhaustsFailoverLogCloses(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	local := c.AddStream(1, 0, 0, 0, 0, 10)
	<-c.Outbox()

	c.HandleResponse(local, RespSuccess, 0, []dcpwire.FailoverEntry{{VbUuid: 1, SeqNo: 5}}, 0)
	c.HandleResponse(local, RespRollback, 7, nil, 0) // seqNo != 0, no more entries after idx 0->1

	v, ok := c.byVbid.Load(uint16(0))
	require.True(t, ok)
	st := v.(*Stream)
	assert.Equal(t, StateDead, st.State())
}

func TestStepDisconnectsAfterIdleTimeout(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	local := c.AddStream(1, 0, 0, 0, 0, 10)
	c.HandleResponse(local, RespSuccess, 0, nil, 0)

	c.Step(c.idleTimeout + 1)

	v, ok := c.byVbid.Load(uint16(0))
	require.True(t, ok)
	st := v.(*Stream)
	assert.Equal(t, StateDead, st.State())
}

func TestOnVBucketStateChangeClosesNonReplicaStreams(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	local := c.AddStream(1, 0, 0, 0, 0, 10)
	c.HandleResponse(local, RespSuccess, 0, nil, 0)

	c.OnVBucketStateChange(0, vbucket.Pending)

	v, ok := c.byVbid.Load(uint16(0))
	require.True(t, ok)
	st := v.(*Stream)
	assert.Equal(t, StateDead, st.State())
}

func TestQueueControlDrainsInPriorityOrder(t *testing.T) {
	c, _ := newSpecConsumer(1024)
	local := c.AddStream(1, 0, 0, 0, 0, 10)
	<-c.Outbox()
	_ = local

	c.QueueControl(ControlPriority, "high")
	c.QueueControl(ControlEnableNoop, "true")
	c.Step(0)

	first := <-c.Outbox()
	assert.Equal(t, "enable_noop", string(first.Key))
	second := <-c.Outbox()
	assert.Equal(t, "set_priority", string(second.Key))
}
