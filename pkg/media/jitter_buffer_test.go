package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: uint32(seq) * 160}}
}

func TestJitterBufferReorders(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{BufferSize: 10, Prefill: 3})

	require.NoError(t, jb.Put(packet(3)))
	require.NoError(t, jb.Put(packet(1)))

	// До накопления prefill пакеты не выдаются
	_, ok := jb.Pop()
	assert.False(t, ok)

	require.NoError(t, jb.Put(packet(2)))
	for _, want := range []uint16{1, 2, 3} {
		p, ok := jb.Pop()
		require.True(t, ok)
		assert.Equal(t, want, p.SequenceNumber)
	}

	_, ok = jb.Pop()
	assert.False(t, ok)
}

func TestJitterBufferLatePacket(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{BufferSize: 4, Prefill: 1})

	require.NoError(t, jb.Put(packet(10)))
	_, ok := jb.Pop()
	require.True(t, ok)

	assert.ErrorIs(t, jb.Put(packet(9)), ErrLatePacket)
	assert.ErrorIs(t, jb.Put(packet(10)), ErrLatePacket)
	assert.Equal(t, uint64(2), jb.GetStatistics().PacketsLate)
}

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{BufferSize: 3, Prefill: 1})

	for seq := uint16(1); seq <= 5; seq++ {
		require.NoError(t, jb.Put(packet(seq)))
	}
	assert.Equal(t, 3, jb.Len())

	p, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(3), p.SequenceNumber)

	stats := jb.GetStatistics()
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, uint64(2), stats.PacketsDropped)
	assert.Equal(t, 3, stats.MaxBufferSize)
}

func TestJitterBufferSequenceWrap(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{BufferSize: 10, Prefill: 3})

	require.NoError(t, jb.Put(packet(1)))
	require.NoError(t, jb.Put(packet(65535)))
	require.NoError(t, jb.Put(packet(0)))

	var got []uint16
	for {
		p, ok := jb.Pop()
		if !ok {
			break
		}
		got = append(got, p.SequenceNumber)
	}
	assert.Equal(t, []uint16{65535, 0, 1}, got)
}

func TestJitterBufferDuplicateAndReset(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{})

	require.NoError(t, jb.Put(packet(7)))
	require.NoError(t, jb.Put(packet(7)))
	assert.Equal(t, 1, jb.Len())
	assert.Equal(t, uint64(1), jb.GetStatistics().Duplicates)

	jb.Reset()
	assert.Equal(t, 0, jb.Len())

	// После сброса история номеров забыта
	require.NoError(t, jb.Put(packet(3)))
	require.NoError(t, jb.Put(packet(4)))
	p, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(3), p.SequenceNumber)
}
