package dcpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReqExtrasRoundTrip(t *testing.T) {
	extras := EncodeStreamReqExtras(1, 100, 200, VbUuid(0xdeadbeef), 100, 150)
	require.Len(t, extras, 48)

	flags, start, end, uuid, snapStart, snapEnd, ok := DecodeStreamReqExtras(extras)
	require.True(t, ok)
	assert.Equal(t, StreamReqFlags(1), flags)
	assert.Equal(t, SeqNo(100), start)
	assert.Equal(t, SeqNo(200), end)
	assert.Equal(t, VbUuid(0xdeadbeef), uuid)
	assert.Equal(t, SeqNo(100), snapStart)
	assert.Equal(t, SeqNo(150), snapEnd)
}

func TestFailoverLogRoundTrip(t *testing.T) {
	entries := []FailoverEntry{
		{VbUuid: 1, SeqNo: 10},
		{VbUuid: 2, SeqNo: 20},
	}
	buf := EncodeFailoverLog(entries)
	assert.Len(t, buf, 32)

	decoded := DecodeFailoverLog(buf)
	assert.Equal(t, entries, decoded)
}

func TestSnapshotStateBits(t *testing.T) {
	s := SnapshotStateMemory | SnapshotStateDisk
	assert.True(t, s.HasInMemory())
	assert.True(t, s.HasOnDisk())
	assert.False(t, SnapshotState(0).HasInMemory())
}

func TestSnapshotMarkerExtrasRoundTrip(t *testing.T) {
	m := SnapshotMarkerExtras{StartSeqNo: 100, EndSeqNo: 102, Type: SnapshotStateMemory}
	buf := EncodeSnapshotMarkerExtras(m)
	decoded, ok := DecodeSnapshotMarkerExtras(buf)
	require.True(t, ok)
	assert.Equal(t, m, decoded)
}

func TestDecodeMutationExtrasTooShort(t *testing.T) {
	_, ok := DecodeMutationExtras(make([]byte, 10))
	assert.False(t, ok)
}

func TestMessageSizeIncludesFraming(t *testing.T) {
	m := Message{Extras: make([]byte, 20), Key: []byte("k"), Value: []byte("value")}
	assert.Equal(t, 24+20+1+5, m.Size())
}
